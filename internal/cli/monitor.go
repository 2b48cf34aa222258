package cli

import (
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/jobshell/internal/api"
	"github.com/Paintersrp/jobshell/internal/cliutil"
	"github.com/Paintersrp/jobshell/internal/config"
	"github.com/Paintersrp/jobshell/internal/logutil"
	"github.com/Paintersrp/jobshell/internal/proc"
	"github.com/Paintersrp/jobshell/internal/tui"
)

const monitorShutdownTimeout = 5 * time.Second

type monitorUI interface {
	Run(stdcontext.Context) error
	UpdateSink() chan<- tui.Update
	CloseUpdates()
	Stop()
	Done() <-chan struct{}
}

var newMonitorUI = func(control func(tui.Request)) monitorUI {
	return tui.New(tui.WithController(control))
}

func newMonitorCmd(ctx *context) *cobra.Command {
	var (
		refresh  time.Duration
		jsonMode bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Launch the configured jobs and watch them in a terminal UI",
		Long: "monitor starts every job listed in the configuration as a background job\n" +
			"and shows their state, resource use and output. With --json it streams\n" +
			"events and output as JSON records until every job has finished.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config()
			if refresh > 0 {
				cfg.Monitor.Refresh.Duration = refresh
			}
			factory := newMonitorUI
			if jsonMode {
				factory = func(func(tui.Request)) monitorUI {
					return newJSONStream(cmd.OutOrStdout(), cmd.ErrOrStderr())
				}
			} else {
				stdout, _, _ := stdioFiles(cmd)
				if !term.IsTerminal(int(stdout.Fd())) {
					return fmt.Errorf("monitor requires an interactive terminal; use --json to stream records")
				}
			}
			return runMonitor(cmd, cfg, factory)
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 0, "Poll interval (overrides monitor.refresh)")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Stream JSON records instead of starting the UI")
	return cmd
}

func runMonitor(cmd *cobra.Command, cfg *config.Config, factory func(func(tui.Request)) monitorUI) error {
	poller := tui.NewPoller(cfg.Monitor.Refresh.Duration, proc.WithWaiterMode(waiterMode(cfg)))
	defer poller.Close()

	for _, job := range cfg.Jobs {
		spawn := proc.Spawn{Args: job.Command, Dir: job.Dir, Env: jobEnv(job.Env)}
		logutil.Default().Debug("launching job", "job", job.Name, "dir", job.Dir, "env", cliutil.RedactEnv(spawn.Env))
		if _, err := poller.Launch(job.Name, spawn); err != nil {
			logutil.Default().Warn("job not started", "job", job.Name, "err", err)
			fmt.Fprintf(cmd.ErrOrStderr(), "jobshell: %v\n", err)
		}
	}

	runCtx, cancel := stdcontext.WithCancel(cmd.Context())
	defer cancel()

	ctrl := newMonitorController(poller)
	stopMetrics, err := startMetricsServer(runCtx, cmd, cfg.Metrics.Address, ctrl)
	if err != nil {
		return err
	}
	defer stopMetrics()

	ui := factory(poller.Request)

	updates := make(chan tui.Update, 1)
	pollDone := make(chan error, 1)
	go func() {
		pollDone <- poller.Run(runCtx, updates)
		close(updates)
	}()

	var forward sync.WaitGroup
	forward.Add(1)
	go func() {
		defer forward.Done()
		defer ui.CloseUpdates()
		for update := range updates {
			ctrl.store(update)
			select {
			case ui.UpdateSink() <- update:
			case <-ui.Done():
			}
		}
	}()

	uiErr := ui.Run(runCtx)
	cancel()
	pollErr := <-pollDone
	forward.Wait()

	shutdownCtx, cancelShutdown := stdcontext.WithTimeout(stdcontext.Background(), monitorShutdownTimeout)
	defer cancelShutdown()
	poller.Shutdown(shutdownCtx)

	if uiErr != nil {
		return uiErr
	}
	return pollErr
}

// jobsFinished reports whether an update lists jobs and all of them are done.
func jobsFinished(update tui.Update) bool {
	if len(update.Jobs) == 0 {
		return false
	}
	for _, job := range update.Jobs {
		if job.State != tui.StateDone {
			return false
		}
	}
	return true
}

// jsonStream is the headless monitor: it writes every event and output line
// as a JSON record and stops once all jobs are done.
type jsonStream struct {
	enc     *json.Encoder
	stderr  io.Writer
	updates chan tui.Update
	names   map[int]string

	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

func newJSONStream(stdout, stderr io.Writer) *jsonStream {
	return &jsonStream{
		enc:     json.NewEncoder(stdout),
		stderr:  stderr,
		updates: make(chan tui.Update, 16),
		names:   make(map[int]string),
		done:    make(chan struct{}),
	}
}

func (s *jsonStream) Run(ctx stdcontext.Context) error {
	defer s.Stop()
	// one more update after the jobs finish picks up trailing output
	finishing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-s.updates:
			if !ok {
				return nil
			}
			s.write(update)
			if finishing {
				return nil
			}
			finishing = jobsFinished(update)
		}
	}
}

func (s *jsonStream) write(update tui.Update) {
	for _, job := range update.Jobs {
		s.names[job.Pgid] = job.Name
	}
	for _, evt := range update.Events {
		cliutil.EncodeRecord(s.enc, s.stderr, cliutil.NewEventRecord(s.names[evt.Pgid], evt))
	}
	for _, line := range update.Output {
		cliutil.EncodeRecord(s.enc, s.stderr, cliutil.NewLineRecord(line))
	}
}

func (s *jsonStream) UpdateSink() chan<- tui.Update { return s.updates }

func (s *jsonStream) CloseUpdates() {
	s.closeOnce.Do(func() { close(s.updates) })
}

func (s *jsonStream) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *jsonStream) Done() <-chan struct{} { return s.done }

// jobEnv layers a job's variables over the shell's environment. Nil means
// inherit unchanged.
func jobEnv(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	env := os.Environ()
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+vars[key])
	}
	return env
}

// monitorController serves the job API from the poller's latest update.
type monitorController struct {
	poller interface{ Request(tui.Request) }

	mu    sync.RWMutex
	jobs  []tui.JobView
	stamp time.Time
	nowFn func() time.Time
}

func newMonitorController(poller interface{ Request(tui.Request) }) *monitorController {
	return &monitorController{poller: poller, nowFn: time.Now}
}

func (c *monitorController) store(update tui.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = update.Jobs
	c.stamp = c.nowFn()
}

func (c *monitorController) Status(stdcontext.Context) (*api.StatusReport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	report := &api.StatusReport{GeneratedAt: c.stamp, Jobs: make([]api.JobReport, 0, len(c.jobs))}
	for _, job := range c.jobs {
		report.Jobs = append(report.Jobs, jobReport(job))
	}
	return report, nil
}

func (c *monitorController) Act(_ stdcontext.Context, pgid int, name string) (*api.ActionResult, error) {
	action, ok := parseAction(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", api.ErrUnknownAction, name)
	}

	c.mu.RLock()
	var found *tui.JobView
	for i := range c.jobs {
		if c.jobs[i].Pgid == pgid {
			found = &c.jobs[i]
			break
		}
	}
	c.mu.RUnlock()

	switch {
	case found == nil:
		return nil, fmt.Errorf("%w %d", api.ErrUnknownJob, pgid)
	case found.State == tui.StateDone:
		return nil, fmt.Errorf("%d: %w", pgid, api.ErrJobFinished)
	}

	id := uuid.New().String()
	logutil.Default().Debug("job action queued", "id", id, "pgid", pgid, "action", action)
	c.poller.Request(tui.Request{Action: action, Pgid: pgid})
	return &api.ActionResult{ID: id, Pgid: pgid, Action: action.String(), RequestedAt: c.nowFn()}, nil
}

func parseAction(name string) (tui.Action, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "stop":
		return tui.ActionStop, true
	case "continue", "cont":
		return tui.ActionContinue, true
	case "terminate", "term", "kill":
		return tui.ActionTerminate, true
	default:
		return 0, false
	}
}

func jobReport(job tui.JobView) api.JobReport {
	report := api.JobReport{
		Pgid:    job.Pgid,
		Name:    job.Name,
		State:   job.State,
		Pids:    append([]int{}, job.Pids...),
		Status:  job.Status,
		Started: job.Started,
	}
	if job.CPU > 0 {
		report.CPU = job.CPU.String()
	}
	if job.MaxRSS > 0 {
		report.MaxRSS = units.BytesSize(float64(job.MaxRSS) * 1024)
	}
	return report
}
