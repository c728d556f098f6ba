package ui

import "github.com/bamsammich/carrange/internal/event"

// Event is a pipeline progress event.
type Event = event.Event

// Re-export event types for convenience.
const (
	HeaderRead         = event.HeaderRead
	BlockEmitted       = event.BlockEmitted
	BlockDropped       = event.BlockDropped
	PhaseChanged       = event.PhaseChanged
	RangeSatisfied     = event.RangeSatisfied
	PassthroughEnabled = event.PassthroughEnabled
	StreamFailed       = event.StreamFailed
)
