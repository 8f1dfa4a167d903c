// Package control is the agent's runtime config, metrics, and debug-probe
// layer: a ConfigStore for the agent.* config keys set in agent.New, a
// MetricsRegistry the drain loop updates every tick, and a DebugProbes
// registry holding the agent.session_id / agent.ring.* probes plus
// whatever RegisterPlatformProbes contributes for the host OS. Hot-reload
// (RegisterReloadHook/TriggerHotReload) is dispatched from
// ConfigStore.OnReload whenever a command pushes a config change.
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
