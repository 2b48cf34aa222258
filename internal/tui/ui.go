package tui

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/jobshell/internal/logmux"
	"github.com/Paintersrp/jobshell/internal/proc"
)

const (
	tableTitle            = "Jobs"
	eventsTitle           = "Events"
	filterPageName        = "filter"
	defaultEventRetention = 500
)

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxEvents sets the number of lifecycle events kept in the event pane.
func WithMaxEvents(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxEvents = n
		}
	}
}

// WithController routes job actions triggered by key presses.
func WithController(fn func(Request)) Option {
	return func(u *UI) {
		u.control = fn
	}
}

// UI is the interactive job monitor backed by tview.
type UI struct {
	app     *tview.Application
	pages   *tview.Pages
	table   *tview.Table
	log     *tview.TextView
	updates chan Update
	control func(Request)

	jobs   []JobView
	events []string

	visible      []int
	selected     int
	filter       string
	filterExpr   *regexp.Regexp
	eventFocused bool
	maxEvents    int

	mu sync.RWMutex
	// set while the table selection is moved programmatically under mu
	selecting atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	log := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	log.SetBorder(true).SetTitle(eventsTitle)
	log.SetChangedFunc(func() {
		app.Draw()
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(log, 0, 2, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:       app,
		pages:     pages,
		table:     table,
		log:       log,
		updates:   make(chan Update, 16),
		maxEvents: defaultEventRetention,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectionChangedFunc(func(row, column int) {
		if ui.selecting.Load() {
			return
		}
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

// UpdateSink exposes the channel where poller updates should be delivered.
func (u *UI) UpdateSink() chan<- Update {
	return u.updates
}

// CloseUpdates releases the update channel, allowing internal goroutines to
// exit cleanly.
func (u *UI) CloseUpdates() {
	u.closeOnce.Do(func() {
		close(u.updates)
	})
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes updates until Stop is
// invoked or the provided context is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeUpdates(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consumeUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-u.updates:
			if !ok {
				return
			}
			u.applyUpdate(update)
			u.queueRefresh()
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.pages.HasPage(filterPageName) {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return event
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 's', 'S':
			u.requestSelected(ActionStop)
			return nil
		case 'c', 'C':
			u.requestSelected(ActionContinue)
			return nil
		case 'k', 'K':
			u.requestSelected(ActionTerminate)
			return nil
		}
	}
	return event
}

func (u *UI) requestSelected(action Action) {
	u.mu.RLock()
	pgid := u.selected
	u.mu.RUnlock()
	if pgid == 0 || u.control == nil {
		return
	}
	u.control(Request{Action: action, Pgid: pgid})
}

func (u *UI) toggleFocus() {
	if u.eventFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.log)
	}
	u.eventFocused = !u.eventFocused
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.pages.RemovePage(filterPageName)
			u.applyFilter(input.GetText())
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Jobs")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		u.mu.Lock()
		u.filter = ""
		u.filterExpr = nil
		u.mu.Unlock()
		u.queueRefresh()
		return
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
		return
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh()
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) applyUpdate(update Update) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.jobs = update.Jobs
	for _, evt := range update.Events {
		u.events = append(u.events, formatEvent(evt))
	}
	for _, line := range update.Output {
		u.events = append(u.events, formatLine(line))
	}
	if len(u.events) > u.maxEvents {
		trim := len(u.events) - u.maxEvents
		u.events = append([]string(nil), u.events[trim:]...)
	}
}

func (u *UI) queueRefresh() {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		u.renderEventsLocked()
	})
}

var tableHeaders = []string{"PGID", "NAME", "STATE", "PIDS", "STATUS", "CPU", "RSS", "AGE"}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	for col, header := range tableHeaders {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	u.visible = u.visible[:0]
	row := 1
	for _, job := range u.jobs {
		if u.filterExpr != nil && !u.filterExpr.MatchString(job.Name) {
			continue
		}
		u.visible = append(u.visible, job.Pgid)
		for col, value := range jobRow(job, time.Now()) {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(job.Pgid)
			}
			u.table.SetCell(row, col, cell)
		}
		row++
	}

	u.ensureSelectionLocked()
}

// jobRow renders the table cells for one job.
func jobRow(job JobView, now time.Time) []string {
	pids := make([]string, 0, len(job.Pids))
	for _, pid := range job.Pids {
		pids = append(pids, strconv.Itoa(pid))
	}
	pidText := strings.Join(pids, ",")
	if pidText == "" {
		pidText = "-"
	}
	statusText := job.Status
	if statusText == "" {
		statusText = "-"
	}
	cpu := "-"
	if job.CPU > 0 {
		cpu = job.CPU.Truncate(time.Millisecond).String()
	}
	rss := "-"
	if job.MaxRSS > 0 {
		rss = units.BytesSize(float64(job.MaxRSS) * 1024)
	}
	age := "-"
	if !job.Started.IsZero() {
		age = units.HumanDuration(now.Sub(job.Started))
	}
	return []string{
		strconv.Itoa(job.Pgid),
		job.Name,
		formatState(job.State),
		pidText,
		statusText,
		cpu,
		rss,
		age,
	}
}

func (u *UI) renderEventsLocked() {
	u.log.Clear()
	for _, line := range u.events {
		fmt.Fprintln(u.log, line)
	}
	u.log.ScrollToEnd()
}

func formatEvent(evt proc.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-9s pid=%d", evt.Timestamp.Format("15:04:05"), evt.Type, evt.Pid)
	if evt.Pgid != 0 {
		fmt.Fprintf(&b, " pgid=%d", evt.Pgid)
	}
	if evt.Status != "" {
		fmt.Fprintf(&b, " status=%s", evt.Status)
	}
	if evt.Type == proc.EventForked && len(evt.Args) > 0 {
		fmt.Fprintf(&b, " %s", strings.Join(evt.Args, " "))
	}
	return b.String()
}

func formatLine(line logmux.Line) string {
	tag := line.Job
	if line.Stream != logmux.StreamStdout {
		tag += ":" + line.Stream
	}
	return fmt.Sprintf("%s [%s] %s", line.Timestamp.Format("15:04:05"), tag, line.Text)
}

func (u *UI) ensureSelectionLocked() {
	u.selecting.Store(true)
	defer u.selecting.Store(false)

	if len(u.visible) == 0 {
		u.selected = 0
		u.table.Select(0, 0)
		return
	}

	idx := -1
	for i, pgid := range u.visible {
		if pgid == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func formatState(state string) string {
	if state == "" {
		return "-"
	}
	if len(state) <= 1 {
		return strings.ToUpper(state)
	}
	return strings.ToUpper(state[:1]) + state[1:]
}
