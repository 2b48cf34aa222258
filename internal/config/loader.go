package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Resolve.
const (
	EnvConfigPath = "JOBSHELL_CONFIG"
	EnvLogLevel   = "JOBSHELL_LOG_LEVEL"
)

// Resolve loads the configuration at path, falling back to $JOBSHELL_CONFIG
// and then to the defaults. $JOBSHELL_LOG_LEVEL overrides the file's level.
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.Log.Level = strings.ToLower(level)
	}
	return cfg, nil
}

// Load reads a configuration file from the provided path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	if raw != nil {
		if err := validateAgainstSchema(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", absPath, err)
		}
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc Config
	if err := decoder.Decode(&doc); err != nil && raw != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	if err := doc.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	baseDir := filepath.Dir(absPath)
	doc.Log.File = expandPath(baseDir, doc.Log.File)
	for i, job := range doc.Jobs {
		if err := resolveJob(baseDir, job); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", absPath, jobField(i), err)
		}
	}

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

// resolveJob expands environment references, anchors relative paths at the
// config file's directory and merges envFromFile under the inline env.
func resolveJob(baseDir string, job *JobSpec) error {
	for i, arg := range job.Command {
		job.Command[i] = os.ExpandEnv(arg)
	}
	job.Dir = expandPath(baseDir, job.Dir)
	if job.Dir == "" {
		job.Dir = baseDir
	}

	var merged map[string]string
	if job.EnvFromFile != "" {
		job.EnvFromFile = expandPath(job.Dir, job.EnvFromFile)
		fileEnv, err := loadEnvFile(job.EnvFromFile)
		if err != nil {
			return err
		}
		merged = fileEnv
	}
	if len(job.Env) > 0 {
		if merged == nil {
			merged = make(map[string]string, len(job.Env))
		}
		for k, v := range job.Env {
			merged[k] = os.ExpandEnv(v)
		}
	}
	job.Env = merged
	return nil
}

func expandPath(base, path string) string {
	path = os.ExpandEnv(path)
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(base, path))
}

func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "export "))
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		value = strings.TrimSpace(value)
		switch {
		case strings.HasPrefix(value, "\""):
			unquoted, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("load env file %q: parse value for %s on line %d: %w", path, key, lineNo, err)
			}
			value = unquoted
		case strings.HasPrefix(value, "'"):
			if len(value) < 2 || !strings.HasSuffix(value, "'") {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			value = value[1 : len(value)-1]
		default:
			if comment := strings.IndexByte(value, '#'); comment >= 0 {
				value = strings.TrimSpace(value[:comment])
			}
		}
		values[key] = os.ExpandEnv(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}
