package engine

// Event is a collection-phase or thread event reported by the engine.
// The numeric values follow the native GC_EventType enumeration.
type Event int

const (
	EventStart Event = iota
	EventMarkStart
	EventMarkEnd
	EventReclaimStart
	EventReclaimEnd
	EventEnd
	EventPreStopWorld
	EventPostStopWorld
	EventPreStartWorld
	EventPostStartWorld
	EventThreadSuspended
	EventThreadUnsuspended
)

// CollectionOrder is the sequence of collection-phase events delivered once
// per full collection.
var CollectionOrder = []Event{
	EventStart,
	EventPreStopWorld,
	EventPostStopWorld,
	EventMarkStart,
	EventMarkEnd,
	EventPreStartWorld,
	EventPostStartWorld,
	EventReclaimStart,
	EventReclaimEnd,
	EventEnd,
}

var eventNames = [...]string{
	EventStart:             "start",
	EventMarkStart:         "mark_start",
	EventMarkEnd:           "mark_end",
	EventReclaimStart:      "reclaim_start",
	EventReclaimEnd:        "reclaim_end",
	EventEnd:               "end",
	EventPreStopWorld:      "pre_stop_world",
	EventPostStopWorld:     "post_stop_world",
	EventPreStartWorld:     "pre_start_world",
	EventPostStartWorld:    "post_start_world",
	EventThreadSuspended:   "thread_suspended",
	EventThreadUnsuspended: "thread_unsuspended",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}

	return "unknown"
}

// IsThreadEvent reports whether e belongs to the thread category.
func (e Event) IsThreadEvent() bool {
	return e == EventThreadSuspended || e == EventThreadUnsuspended
}
