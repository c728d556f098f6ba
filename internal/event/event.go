package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	HeaderRead Type = iota + 1
	BlockEmitted
	BlockDropped
	PhaseChanged
	RangeSatisfied
	PassthroughEnabled
	StreamFailed
)

var typeNames = [...]string{
	HeaderRead:         "HeaderRead",
	BlockEmitted:       "BlockEmitted",
	BlockDropped:       "BlockDropped",
	PhaseChanged:       "PhaseChanged",
	RangeSatisfied:     "RangeSatisfied",
	PassthroughEnabled: "PassthroughEnabled",
	StreamFailed:       "StreamFailed",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from a filtering pipeline.
type Event struct {
	Type      Type
	Timestamp time.Time
	CID       string // block CID, or the root for HeaderRead
	Kind      string // block classification
	Phase     string // filter phase after the block
	Start     uint64 // file interval of the block, or the resolved range on PhaseChanged
	End       uint64
	Size      int64 // section bytes
	Error     error
}
