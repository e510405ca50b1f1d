package monitor

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessLister enumerates the names of running processes.
type ProcessLister interface {
	ProcessNames(ctx context.Context) ([]string, error)
}

type systemLister struct{}

// SystemProcesses returns a lister backed by the OS process table.
func SystemProcesses() ProcessLister {
	return systemLister{}
}

func (systemLister) ProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		// Processes exit or deny access between listing and inspection.
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// matchName compares process names case-insensitively, ignoring a trailing
// .exe on either side so a Windows name also matches under Wine or Proton.
func matchName(name, target string) bool {
	return strings.EqualFold(trimExe(name), trimExe(target))
}

func trimExe(name string) string {
	if len(name) > 4 && strings.EqualFold(name[len(name)-4:], ".exe") {
		return name[:len(name)-4]
	}
	return name
}
