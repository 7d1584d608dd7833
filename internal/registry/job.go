package registry

import (
	"time"

	"workshopd/internal/errors"
	"workshopd/internal/scrape"
)

// State is a job's position in the pipeline.
type State string

const (
	StateStarting        State = "Starting"
	StatePreparing       State = "Preparing"
	StateDownloading     State = "Downloading"
	StateCreatingArchive State = "CreatingArchive"
	StateCompleted       State = "Completed"
	StateError           State = "Error"
	StateCleaned         State = "Cleaned"
)

// Terminal reports whether no further pipeline work happens in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateCleaned
}

// Active reports whether the state counts against the admission cap.
func (s State) Active() bool {
	return s == StatePreparing || s == StateDownloading || s == StateCreatingArchive
}

// transitions is the directed state graph. No back-edges: once a state is
// left it is never re-entered, retries happen inside Downloading.
var transitions = map[State][]State{
	StateStarting:        {StatePreparing, StateError, StateCleaned},
	StatePreparing:       {StateDownloading, StateError, StateCleaned},
	StateDownloading:     {StateCreatingArchive, StateError, StateCleaned},
	StateCreatingArchive: {StateCompleted, StateError, StateCleaned},
	StateCompleted:       {StateCleaned},
	StateError:           {StateCleaned},
	StateCleaned:         {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the unit of work. The registry owns every Job; callers only ever
// see value copies (Snapshot).
type Job struct {
	ID            string          `json:"id"`
	ItemID        string          `json:"itemId"`
	State         State           `json:"state"`
	Progress      int             `json:"progress"`
	WorkspacePath string          `json:"-"`
	ArchivePath   string          `json:"-"`
	ArchiveSize   int64           `json:"archiveSize,omitempty"`
	Metadata      scrape.Metadata `json:"metadata"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    time.Time       `json:"finishedAt,omitempty"`
	LastError     errors.Kind     `json:"lastError,omitempty"`
	AttemptCount  int             `json:"attemptCount"`
}

// Snapshot is an immutable copy of a Job at one instant.
type Snapshot = Job
