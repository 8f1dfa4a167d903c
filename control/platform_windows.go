//go:build windows
// +build windows

package control

import (
	"runtime"
)

// RegisterPlatformProbes sets Windows-specific debug probes. agent.New calls
// this right after registering the agent.* probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
}
