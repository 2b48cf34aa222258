// Package api defines the job monitor's control surface shared by the HTTP
// server and the CLI.
package api

import (
	stdcontext "context"
	"errors"
	"time"
)

var (
	ErrUnknownJob    = errors.New("unknown job")
	ErrUnknownAction = errors.New("unknown action")
	ErrJobFinished   = errors.New("job already finished")
)

// JobReport describes one monitored job.
type JobReport struct {
	Pgid    int       `json:"pgid"`
	Name    string    `json:"name"`
	State   string    `json:"state"`
	Pids    []int     `json:"pids"`
	Status  string    `json:"status"`
	CPU     string    `json:"cpu"`
	MaxRSS  string    `json:"max_rss"`
	Started time.Time `json:"started"`
}

// StatusReport lists every job the monitor knows about, in launch order.
type StatusReport struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Jobs        []JobReport `json:"jobs"`
}

// ActionResult acknowledges a queued job action.
type ActionResult struct {
	ID          string    `json:"id"`
	Pgid        int       `json:"pgid"`
	Action      string    `json:"action"`
	RequestedAt time.Time `json:"requested_at"`
}

// Controller exposes the monitor operations required by control servers.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	Act(ctx stdcontext.Context, pgid int, action string) (*ActionResult, error)
}
