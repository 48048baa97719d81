// Package conf holds the per-session configuration shared by every
// component. A Config is built once at session start and never mutated
// afterwards.
package conf

import (
	"os"
	"time"

	"github.com/ottok/rdiff-backup/internal/clock"
)

// DefaultPipelineMaxLength is the number of records in flight between the
// two sides of the pipeline before a flush marker is forced.
const DefaultPipelineMaxLength = 500

// Config carries all session-wide settings.
type Config struct {
	// Compression enables gzip for increments and metadata files.
	Compression bool

	// PreserveHardlinks enables inode-group tracking and link recreation.
	PreserveHardlinks bool

	// PipelineMaxLength bounds the record pipeline; the post-processing
	// cache holds 4x this many rows.
	PipelineMaxLength int

	// DoFsync controls whether increments and markers are synced to disk
	// at the ordering points the session requires.
	DoFsync bool

	// ProcessUID is the UID the engine runs as; 0 changes the permission
	// elevation policy.
	ProcessUID int

	// CurrentTime, if nonzero, overrides the wall clock for the session
	// timestamp.
	CurrentTime time.Time
}

// Default returns the configuration for a plain local session.
func Default() *Config {
	return &Config{
		Compression:       true,
		PreserveHardlinks: true,
		PipelineMaxLength: DefaultPipelineMaxLength,
		DoFsync:           true,
		ProcessUID:        os.Getuid(),
	}
}

// Now returns the session time source: the override when set, the wall
// clock otherwise.
func (c *Config) Now() time.Time {
	if !c.CurrentTime.IsZero() {
		return c.CurrentTime.Truncate(time.Second)
	}

	return clock.Now()
}
