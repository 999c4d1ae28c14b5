// Package runtime optionally sandboxes one worker's host process inside
// a containerd-managed container so a memory limit and CPU shares are
// enforced by the kernel cgroup controller. The executor keeps no
// in-process memory or fuel accounting of its own. It is a thin
// Spawn/Stop/Status/Delete wrapper scoped to a single worker.Worker at a
// time -- not a general-purpose container orchestrator.
package runtime
