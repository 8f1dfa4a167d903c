//go:build linux
// +build linux

package control

import (
	"runtime"
)

// RegisterPlatformProbes sets Linux-specific debug metrics. agent.New calls
// this right after registering the agent.* probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
}
