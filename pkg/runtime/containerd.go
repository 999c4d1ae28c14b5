package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/cuemby/durawasm/pkg/types"
)

const (
	// Namespace is the containerd namespace durawasm sandboxes run in.
	Namespace = "durawasm"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// SandboxState mirrors a subset of containerd's task states relevant to
// one worker's host process.
type SandboxState string

const (
	SandboxPending SandboxState = "pending"
	SandboxRunning SandboxState = "running"
	SandboxExited  SandboxState = "exited"
	SandboxFailed  SandboxState = "failed"
)

// Limits bounds one worker's sandboxed host process through the kernel
// cgroup controller: a memory ceiling and a CPU share. No in-process
// memory or fuel limit exists alongside it.
type Limits struct {
	MemoryBytes uint64
	CPUCores    float64
}

// Sandbox wraps a containerd client scoped to running one worker's host
// process (the process hosting the execution engine) per worker.Worker,
// so its memory and CPU limits are enforced by the kernel cgroup
// controller. Fuel is not limited here.
type Sandbox struct {
	client *containerd.Client
}

// NewSandbox connects to the containerd socket.
func NewSandbox(socketPath string) (*Sandbox, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd: %w", err)
	}

	return &Sandbox{client: client}, nil
}

func (s *Sandbox) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// containerID is deterministic per worker so Spawn is idempotent across
// executor restarts: re-spawning a still-running worker's sandbox is a
// no-op rather than a duplicate-container error.
func containerID(id types.WorkerId) string {
	return fmt.Sprintf("durawasm-%s-%s", id.ComponentId, id.Name)
}

// Spawn starts image's entrypoint (the durawasm host process, reloading
// id's oplog on start) inside a fresh container bounded by limits. The
// image must already be present locally -- durawasm does not pull
// images or manage a registry; see the Non-goals.
func (s *Sandbox) Spawn(ctx context.Context, id types.WorkerId, image string, limits Limits, env map[string]string) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	img, err := s.client.GetImage(ctx, image)
	if err != nil {
		return fmt.Errorf("runtime: get image %s: %w", image, err)
	}

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(envSlice),
	}
	if limits.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(limits.MemoryBytes))
	}
	if limits.CPUCores > 0 {
		shares := uint64(limits.CPUCores * 1024)
		quota := int64(limits.CPUCores * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}

	cid := containerID(id)
	ctr, err := s.client.NewContainer(
		ctx, cid,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(cid+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("runtime: create container for worker %s: %w", id, err)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("runtime: create task for worker %s: %w", id, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start task for worker %s: %w", id, err)
	}
	return nil
}

// Stop sends SIGTERM and escalates to SIGKILL after timeout, mirroring
// the worker state machine's own Interrupt/Exit grace period.
func (s *Sandbox) Stop(ctx context.Context, id types.WorkerId, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	ctr, err := s.client.LoadContainer(ctx, containerID(id))
	if err != nil {
		return nil
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("runtime: signal worker %s: %w", id, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("runtime: wait for worker %s: %w", id, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("runtime: force-kill worker %s: %w", id, err)
		}
	}

	_, err = task.Delete(ctx)
	return err
}

// Status reports the sandbox's current lifecycle state.
func (s *Sandbox) Status(ctx context.Context, id types.WorkerId) (SandboxState, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	ctr, err := s.client.LoadContainer(ctx, containerID(id))
	if err != nil {
		return SandboxPending, nil
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return SandboxPending, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return SandboxFailed, fmt.Errorf("runtime: task status for worker %s: %w", id, err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return SandboxRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return SandboxExited, nil
		}
		return SandboxFailed, nil
	default:
		return SandboxPending, nil
	}
}

// Delete removes the sandbox's container and snapshot, stopping it
// first if still running.
func (s *Sandbox) Delete(ctx context.Context, id types.WorkerId) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	ctr, err := s.client.LoadContainer(ctx, containerID(id))
	if err != nil {
		return nil
	}

	_ = s.Stop(ctx, id, 10*time.Second)

	return ctr.Delete(ctx, containerd.WithSnapshotCleanup)
}
