// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sandbox

import (
	"context"
	"time"
)

// Size represents predefined sandbox resource configurations
type Size string

const (
	SizeSmall  Size = "small"  // 1 CPU, 1GB RAM
	SizeMedium Size = "medium" // 2 CPU, 4GB RAM
	SizeLarge  Size = "large"  // 4 CPU, 8GB RAM
)

// Spec defines the configuration for a sandbox
type Spec struct {
	// Name is a human-readable identifier
	Name string

	// Image is the base image to run
	Image string

	// Size is the resource size preset
	Size Size

	// CPUs is the number of CPU cores (overrides Size)
	CPUs int

	// MemoryMB is the memory in megabytes (overrides Size)
	MemoryMB int

	// IdleTimeout shuts the sandbox down after this much inactivity
	IdleTimeout time.Duration

	// SetupCommand installs base dependencies before the sandbox is handed over
	SetupCommand string

	// Env is the environment variables for the sandbox. Secret values are
	// interpolated by the platform, never logged here.
	Env map[string]string

	// SnapshotID, when set, creates the sandbox from an existing filesystem
	// snapshot instead of the base image.
	SnapshotID string
}

// DefaultSpec returns a default sandbox spec
func DefaultSpec() Spec {
	return Spec{
		Image:       "harbor-sandbox:latest",
		Size:        SizeMedium,
		IdleTimeout: 30 * time.Minute,
		Env:         make(map[string]string),
	}
}

// ApplySize applies CPU and memory based on size preset
func (s *Spec) ApplySize() {
	switch s.Size {
	case SizeSmall:
		if s.CPUs == 0 {
			s.CPUs = 1
		}
		if s.MemoryMB == 0 {
			s.MemoryMB = 1024
		}
	case SizeLarge:
		if s.CPUs == 0 {
			s.CPUs = 4
		}
		if s.MemoryMB == 0 {
			s.MemoryMB = 8192
		}
	default:
		// Medium
		if s.CPUs == 0 {
			s.CPUs = 2
		}
		if s.MemoryMB == 0 {
			s.MemoryMB = 4096
		}
	}
}

// State represents the current state of a sandbox
type State string

const (
	StateCreated   State = "created"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateDestroyed State = "destroyed"
	StateUnknown   State = "unknown"
)

// Sandbox represents a running sandbox
type Sandbox struct {
	// ID is the unique identifier assigned by the platform
	ID string

	// Name is the human-readable name
	Name string

	// State is the current sandbox state
	State State

	// URL is the externally reachable base URL for services inside the sandbox
	URL string

	// CreatedAt is when the sandbox was created
	CreatedAt time.Time

	// Spec is the spec used to create this sandbox
	Spec Spec
}

// Execution is the platform's record of a remote command. The platform may
// report an execution as accepted before the command has finished; completion
// must be verified independently (for example by polling an HTTP endpoint
// inside the sandbox) rather than trusted from this record.
type Execution struct {
	ID       string
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecRequest describes a command to run inside a sandbox
type ExecRequest struct {
	Command string
	Timeout time.Duration
}

// Client defines the interface to the sandbox platform
type Client interface {
	// Create creates a new sandbox from the given spec
	Create(ctx context.Context, spec Spec) (*Sandbox, error)

	// Get retrieves a sandbox by ID
	Get(ctx context.Context, id string) (*Sandbox, error)

	// Execute runs a command inside a sandbox
	Execute(ctx context.Context, id string, req ExecRequest) (*Execution, error)

	// Destroy destroys a sandbox
	Destroy(ctx context.Context, id string) error

	// CreateSnapshot captures the sandbox filesystem and returns the
	// platform-assigned snapshot ID
	CreateSnapshot(ctx context.Context, id, label string) (string, error)

	// DeleteSnapshot deletes a snapshot
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}
