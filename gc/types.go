package gc

import "github.com/orizon-lang/gcalloc/engine"

// Statistics is an atomic snapshot of the collector counters.
type Statistics = engine.Statistics

// Event is a collection-phase or thread event.
type Event = engine.Event

// ThreadID is the opaque thread identifier carried by thread events.
type ThreadID = engine.ThreadID

// FinalizerFunc is called with the finalized object and its registration data.
type FinalizerFunc = engine.FinalizerFunc

// FinalizerMode selects a finalization ordering policy.
type FinalizerMode = engine.FinalizerMode

const (
	FinalizerNormal      = engine.FinalizerNormal
	FinalizerIgnoreSelf  = engine.FinalizerIgnoreSelf
	FinalizerNoOrder     = engine.FinalizerNoOrder
	FinalizerUnreachable = engine.FinalizerUnreachable
)

const (
	EventStart             = engine.EventStart
	EventMarkStart         = engine.EventMarkStart
	EventMarkEnd           = engine.EventMarkEnd
	EventReclaimStart      = engine.EventReclaimStart
	EventReclaimEnd        = engine.EventReclaimEnd
	EventEnd               = engine.EventEnd
	EventPreStopWorld      = engine.EventPreStopWorld
	EventPostStopWorld     = engine.EventPostStopWorld
	EventPreStartWorld     = engine.EventPreStartWorld
	EventPostStartWorld    = engine.EventPostStartWorld
	EventThreadSuspended   = engine.EventThreadSuspended
	EventThreadUnsuspended = engine.EventThreadUnsuspended
)
