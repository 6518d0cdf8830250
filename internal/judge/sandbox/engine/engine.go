// Package engine abstracts the container runtime operations the sandbox
// runner needs, so tests can substitute a fake and the runner stays free of
// SDK types.
package engine

import "context"

// ContainerSpec describes one sandbox container.
type ContainerSpec struct {
	Image string
	// Cmd is the full command, typically {"sh", "-c", <line>}.
	Cmd []string
	// MemoryLimitBytes caps both RAM and swap; the OOM killer stays enabled.
	MemoryLimitBytes int64
	// CPUQuota is in microseconds per 100ms period (50000 = half a core).
	CPUQuota int64
	// Binds are host:container mount specs.
	Binds []string
}

// State is the terminal state of a container.
type State struct {
	OOMKilled bool
	ExitCode  int
}

// Engine is the container runtime contract.
type Engine interface {
	// Ping verifies the runtime daemon is reachable.
	Ping(ctx context.Context) error

	// Pull fetches an image, blocking until the pull completes.
	Pull(ctx context.Context, image string) error

	// Create creates and starts a detached container, returning its id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Wait blocks until the container exits or ctx is done. The returned
	// exit code is only meaningful when err is nil.
	Wait(ctx context.Context, id string) (int, error)

	// Kill force-stops a running container.
	Kill(ctx context.Context, id string) error

	// Inspect returns the container's terminal state.
	Inspect(ctx context.Context, id string) (State, error)

	// Logs returns the combined captured stdout and stderr.
	Logs(ctx context.Context, id string) (string, error)

	// Remove force-removes the container.
	Remove(ctx context.Context, id string) error
}
