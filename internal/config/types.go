package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the jobshell.yaml document structure.
type Config struct {
	JobControl string      `yaml:"jobControl"`
	Waiter     string      `yaml:"waiter"`
	Prompt     string      `yaml:"prompt"`
	Log        LogSpec     `yaml:"log"`
	Report     ReportSpec  `yaml:"report"`
	Metrics    MetricsSpec `yaml:"metrics"`
	Monitor    MonitorSpec `yaml:"monitor"`
	Jobs       []*JobSpec  `yaml:"jobs"`
}

// LogSpec configures the process-wide logger.
type LogSpec struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File receives log output; empty means stderr.
	File string `yaml:"file"`
}

// ReportSpec names an external command that receives foreground statuses.
type ReportSpec struct {
	Command []string `yaml:"command"`
}

// MetricsSpec configures the Prometheus listener.
type MetricsSpec struct {
	Address string `yaml:"address"`
}

// MonitorSpec configures the job monitor.
type MonitorSpec struct {
	Refresh Duration `yaml:"refresh"`
}

// JobSpec is a job the monitor launches at startup.
type JobSpec struct {
	Name        string            `yaml:"name"`
	Command     []string          `yaml:"command"`
	Dir         string            `yaml:"dir"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
}

const (
	defaultPrompt  = "; "
	defaultRefresh = 500 * time.Millisecond
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() error {
	c.JobControl = strings.ToLower(strings.TrimSpace(c.JobControl))
	if c.JobControl == "" {
		c.JobControl = "auto"
	}
	c.Waiter = strings.ToLower(strings.TrimSpace(c.Waiter))
	if c.Waiter == "" {
		c.Waiter = "group"
	}
	if c.Prompt == "" {
		c.Prompt = defaultPrompt
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if !c.Monitor.Refresh.IsSet() {
		c.Monitor.Refresh.Duration = defaultRefresh
	}
	for i, job := range c.Jobs {
		if job == nil {
			return fmt.Errorf("%s: job entry is null", jobField(i))
		}
	}
	return nil
}

// Validate enforces the invariants the schema cannot express.
func (c *Config) Validate() error {
	switch c.JobControl {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("%s: must be one of auto, on, off", fieldPath("jobControl"))
	}
	switch c.Waiter {
	case "group", "degraded":
	default:
		return fmt.Errorf("%s: must be one of group, degraded", fieldPath("waiter"))
	}
	if c.Monitor.Refresh.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("monitor", "refresh"))
	}
	if c.Report.Command != nil && len(c.Report.Command) == 0 {
		return fmt.Errorf("%s: must not be empty", fieldPath("report", "command"))
	}
	seen := make(map[string]int, len(c.Jobs))
	for i, job := range c.Jobs {
		if strings.TrimSpace(job.Name) == "" {
			return fmt.Errorf("%s: is required", jobField(i, "name"))
		}
		if prev, ok := seen[job.Name]; ok {
			return fmt.Errorf("%s: duplicate job name %q (also %s)", jobField(i, "name"), job.Name, jobField(prev))
		}
		seen[job.Name] = i
		if len(job.Command) == 0 || strings.TrimSpace(job.Command[0]) == "" {
			return fmt.Errorf("%s: must name a program", jobField(i, "command"))
		}
	}
	return nil
}

// JobNames returns the configured job names in file order.
func (c *Config) JobNames() []string {
	names := make([]string, 0, len(c.Jobs))
	for _, job := range c.Jobs {
		names = append(names, job.Name)
	}
	return names
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func jobField(index int, parts ...string) string {
	base := fmt.Sprintf("jobs[%d]", index)
	if len(parts) == 0 {
		return base
	}
	return base + "." + strings.Join(parts, ".")
}
