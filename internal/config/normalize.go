package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// normalize expands path fields and trims string values so validation and
// runtime code see canonical forms.
func (c *Config) normalize() error {
	c.Worker.Command = strings.TrimSpace(c.Worker.Command)
	c.Worker.WorkDir = strings.TrimSpace(c.Worker.WorkDir)
	c.Resources.ReleaseMethod = strings.TrimSpace(c.Resources.ReleaseMethod)
	c.Logging.Format = strings.TrimSpace(c.Logging.Format)
	c.Logging.Level = strings.TrimSpace(c.Logging.Level)
	c.Daemon.APIBind = strings.TrimSpace(c.Daemon.APIBind)

	for _, field := range []*string{&c.Daemon.LogDir, &c.Daemon.Socket, &c.Worker.WorkDir} {
		trimmed := strings.TrimSpace(*field)
		if trimmed == "" {
			*field = ""
			continue
		}
		expanded, err := expandPath(trimmed)
		if err != nil {
			return err
		}
		*field = expanded
	}

	c.Resources.ProducingMethods = trimAll(c.Resources.ProducingMethods)
	c.Resources.ReleasingMethods = trimAll(c.Resources.ReleasingMethods)
	c.Resources.TouchingMethods = trimAll(c.Resources.TouchingMethods)
	return nil
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ExpandPath resolves ~ and relative segments to an absolute path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return abs, nil
}
