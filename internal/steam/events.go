package steam

// EventKind identifies what a fetch event carries.
type EventKind int

const (
	// EventOutputLine is one raw line of tool output.
	EventOutputLine EventKind = iota
	// EventDownloadTick marks a line that looks like download activity;
	// the orchestrator turns ticks into progress.
	EventDownloadTick
	// EventLoginOK marks an observed login-success marker.
	EventLoginOK
)

// Event is a one-directional notification from the Adapter to whoever runs
// the fetch. The Adapter holds no reference to the job; it only emits.
type Event struct {
	Kind EventKind
	Line string
}

// EventSink receives fetch events. Implementations must not block; the
// Adapter drops events a sink cannot take immediately.
type EventSink func(Event)
