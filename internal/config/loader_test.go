package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "jobshell.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	workdir := filepath.Join(dir, "app")
	if err := os.Mkdir(workdir, 0o755); err != nil {
		t.Fatalf("mkdir workdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "vars.env"), []byte("TOKEN=${FILE_SECRET}\nexport MODE='fast'\n# comment\nLEVEL=3 # trailing\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("FILE_SECRET", "alpha")
	t.Setenv("BUILD_TARGET", "all")

	path := writeConfig(t, dir, `jobControl: off
waiter: degraded
log:
  level: debug
  format: json
  file: logs/jobshell.log
report:
  command: ["logger", "-t", "jobshell"]
monitor:
  refresh: 250ms
jobs:
  - name: build
    command: ["make", "${BUILD_TARGET}"]
    dir: ./app
    envFromFile: vars.env
    env:
      MODE: slow
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.JobControl != "off" || cfg.Waiter != "degraded" {
		t.Fatalf("unexpected modes: jobControl=%q waiter=%q", cfg.JobControl, cfg.Waiter)
	}
	if got, want := cfg.Prompt, defaultPrompt; got != want {
		t.Fatalf("prompt default mismatch: got %q want %q", got, want)
	}
	if got, want := cfg.Log.File, filepath.Join(dir, "logs", "jobshell.log"); got != want {
		t.Fatalf("log file not resolved: got %q want %q", got, want)
	}
	if got, want := cfg.Monitor.Refresh.Duration, 250*time.Millisecond; got != want {
		t.Fatalf("refresh mismatch: got %v want %v", got, want)
	}
	if len(cfg.Jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(cfg.Jobs))
	}
	job := cfg.Jobs[0]
	if got, want := job.Dir, workdir; got != want {
		t.Fatalf("job dir mismatch: got %q want %q", got, want)
	}
	if got, want := job.Command[1], "all"; got != want {
		t.Fatalf("command expansion mismatch: got %q want %q", got, want)
	}
	if got, want := job.EnvFromFile, filepath.Join(workdir, "vars.env"); got != want {
		t.Fatalf("envFromFile not resolved: got %q want %q", got, want)
	}
	wantEnv := map[string]string{"TOKEN": "alpha", "MODE": "slow", "LEVEL": "3"}
	for k, v := range wantEnv {
		if got := job.Env[k]; got != v {
			t.Fatalf("env %s = %q, want %q", k, got, v)
		}
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.JobControl != "auto" || cfg.Waiter != "group" || cfg.Monitor.Refresh.Duration != defaultRefresh {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if job := cfg.Jobs; len(job) != 0 {
		t.Fatalf("expected no jobs, got %d", len(job))
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "unknown top-level field",
			body: "bogus: true\n",
			want: []string{"schema validation failed", "bogus"},
		},
		{
			name: "bad job control mode",
			body: "jobControl: sometimes\n",
			want: []string{"schema validation failed", "jobControl"},
		},
		{
			name: "job without command",
			body: "jobs:\n  - name: web\n",
			want: []string{"schema validation failed", "jobs[0](web)", "command"},
		},
		{
			name: "unknown job field",
			body: "jobs:\n  - name: web\n    command: [a]\n  - name: api\n    command: [b]\n    restart: always\n",
			want: []string{"schema validation failed", "jobs[1](api)", "restart"},
		},
		{
			name: "duplicate job names",
			body: "jobs:\n  - name: web\n    command: [a]\n  - name: web\n    command: [b]\n",
			want: []string{"jobs[1].name", "duplicate job name"},
		},
		{
			name: "bad refresh",
			body: "monitor:\n  refresh: soon\n",
			want: []string{"monitor.refresh"},
		},
		{
			name: "missing env file",
			body: "jobs:\n  - name: web\n    command: [a]\n    envFromFile: nope.env\n",
			want: []string{"jobs[0]", "load env file"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tc.body)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error for %q", tc.body)
			}
			for _, want := range tc.want {
				if !strings.Contains(err.Error(), want) {
					t.Fatalf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestResolveFallsBackToEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "prompt: \"$ \"\n")
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if cfg.Prompt != "$ " {
		t.Fatalf("config from %s not loaded: prompt %q", EnvConfigPath, cfg.Prompt)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("log level override not applied: %q", cfg.Log.Level)
	}
}

func TestResolveWithoutFile(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvLogLevel, "")
	cfg, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Prompt != defaultPrompt {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
