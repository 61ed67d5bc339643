// Package deps verifies that external binaries the daemon launches are
// actually present before the supervisor tries to spawn them.
package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Status reports the availability of an external binary.
type Status struct {
	Name      string
	Command   string
	Available bool
	Detail    string
}

// CheckBinary resolves a command the way exec.Command would and reports
// whether a spawn attempt could succeed.
func CheckBinary(name, command string) Status {
	cmd := strings.TrimSpace(command)
	status := Status{Name: name, Command: cmd}
	if cmd == "" {
		status.Detail = "command not configured"
		return status
	}

	if strings.ContainsRune(cmd, os.PathSeparator) {
		abs, err := filepath.Abs(cmd)
		if err != nil {
			status.Detail = fmt.Sprintf("resolve path %q: %v", cmd, err)
			return status
		}
		info, err := os.Stat(abs)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", abs)
			return status
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			status.Detail = fmt.Sprintf("%q is not an executable file", abs)
			return status
		}
		status.Available = true
		return status
	}

	if _, err := exec.LookPath(cmd); err != nil {
		status.Detail = fmt.Sprintf("binary %q not found in PATH", cmd)
		return status
	}
	status.Available = true
	return status
}
