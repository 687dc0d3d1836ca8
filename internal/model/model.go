package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Dataset is the human-readable identifier of one observational product (e.g. "HadISST").
type Dataset string

// Validate checks that the name is usable as a staging directory and log key.
func (d Dataset) Validate() error {
	if d == "" {
		return fmt.Errorf("dataset name cannot be empty")
	}
	if strings.ContainsAny(string(d), `/\`) {
		return fmt.Errorf("dataset name %q must not contain path separators", d)
	}
	return nil
}

// String returns the dataset name as a string.
func (d Dataset) String() string {
	return string(d)
}

// RunID represents a UUIDv7 run identifier, either passed in from a scheduler or generated per run.
type RunID string

// NewRunID generates a fresh UUIDv7 run identifier.
func NewRunID() (RunID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run-id: %w", err)
	}
	return RunID(id.String()), nil
}

// Validate checks that the RunID is a valid UUIDv7.
func (r RunID) Validate() error {
	if r == "" {
		return fmt.Errorf("run-id cannot be empty")
	}
	id, err := uuid.Parse(string(r))
	if err != nil {
		return fmt.Errorf("run-id must be a valid UUID: %w", err)
	}
	if id.Version() != uuid.Version(7) {
		return fmt.Errorf("run-id must be a UUIDv7, got v%d", id.Version())
	}
	return nil
}

// String returns the run ID as a string.
func (r RunID) String() string {
	return string(r)
}

// Mode selects how the orchestrator writes a dataset.
type Mode string

const (
	// ModeSend performs an initial full write.
	ModeSend Mode = "send"
	// ModeUpdate appends every source, in order, to an existing object.
	ModeUpdate Mode = "update"
	// ModeSync sends when the object is absent and otherwise appends only new slices.
	ModeSync Mode = "sync"
)

// Validate rejects unknown modes.
func (m Mode) Validate() error {
	switch m {
	case ModeSend, ModeUpdate, ModeSync:
		return nil
	default:
		return fmt.Errorf("unknown mode %q (want send, update or sync)", m)
	}
}
