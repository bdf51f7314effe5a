package gc

// OnCollectionEvent installs fn as the single process-wide receiver of
// collection-phase events, replacing any previous one. nil unsubscribes.
//
// Each full collection delivers Start, PreStopWorld, PostStopWorld,
// MarkStart, MarkEnd, PreStartWorld, PostStartWorld, ReclaimStart,
// ReclaimEnd and End, once each and in that order.
//
// fn runs while other threads are stopped and must not allocate from or call
// back into the collector. Replacing the callback is not synchronized with a
// collection in progress: the old callback may still receive the rest of that
// collection's events.
func (c *Collector) OnCollectionEvent(fn func(Event)) {
	c.engine.SetOnCollectionEvent(fn)
}

// OnThreadEvent installs fn as the single process-wide receiver of thread
// suspend and resume events. nil unsubscribes. The ThreadID is passed through
// from the engine untouched. The same restrictions as OnCollectionEvent apply.
func (c *Collector) OnThreadEvent(fn func(Event, ThreadID)) {
	c.engine.SetOnThreadEvent(fn)
}
