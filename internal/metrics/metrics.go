package metrics

import (
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reap kinds recorded by ObserveReap.
const (
	ReapExited   = "exited"
	ReapSignaled = "signaled"
	ReapStopped  = "stopped"
)

var (
	registry = prometheus.NewRegistry()

	forks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobshell",
		Name:      "forks_total",
		Help:      "Child processes created, split by whether they joined a job.",
	}, []string{"grouped"})

	reaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobshell",
		Name:      "reaps_total",
		Help:      "Wait results recorded for child processes, by kind.",
	}, []string{"kind"})

	jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobshell",
		Name:      "jobs_active",
		Help:      "Jobs currently held in the job table.",
	})

	waitInterrupts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobshell",
		Name:      "wait_interrupts_total",
		Help:      "Blocking waits interrupted by a signal.",
	})

	waitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobshell",
		Name:      "wait_duration_seconds",
		Help:      "Time spent inside wait, by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"outcome"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobshell",
		Name:      "build_info",
		Help:      "Build metadata for the running jobshell binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(forks, reaps, jobsActive, waitInterrupts, waitDuration, buildInfo)
}

// Registry returns the Prometheus registry containing all jobshell metrics.
func Registry() *prometheus.Registry {
	return registry
}

// IncFork counts one created child process.
func IncFork(grouped bool) {
	forks.WithLabelValues(strconv.FormatBool(grouped)).Inc()
}

// ObserveReap counts one wait result of the given kind.
func ObserveReap(kind string) {
	if kind == "" {
		return
	}
	reaps.WithLabelValues(kind).Inc()
}

// SetJobsActive records the current size of the job table.
func SetJobsActive(n int) {
	if n < 0 {
		n = 0
	}
	jobsActive.Set(float64(n))
}

// IncWaitInterrupt counts a blocking wait cut short by a signal.
func IncWaitInterrupt() {
	waitInterrupts.Inc()
}

// ObserveWait records how long a wait took and whether it failed.
func ObserveWait(d time.Duration, err error) {
	outcome := "ok"
	var interrupted interface{ Interrupted() bool }
	switch {
	case err == nil:
	case errors.As(err, &interrupted) && interrupted.Interrupted():
		outcome = "interrupted"
	default:
		outcome = "error"
	}
	waitDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
