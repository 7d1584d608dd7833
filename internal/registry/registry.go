package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workshopd/internal/errors"
	"workshopd/internal/logging"
	"workshopd/internal/scrape"
)

// Registry is the process-resident job table. The orchestrator is the single
// writer for any one job; readers always get consistent value copies.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	logger logging.Logger
}

// New creates an empty registry.
func New(logger logging.Logger) *Registry {
	return &Registry{
		jobs:   make(map[string]*Job),
		logger: logging.OrNop(logger),
	}
}

// Create admits a new job in Starting with progress 0.
func (r *Registry) Create(itemID string, meta scrape.Metadata) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		State:     StateStarting,
		Metadata:  meta,
		StartedAt: time.Now().UTC(),
	}
	r.jobs[job.ID] = job
	return *job
}

// Snapshot returns a consistent copy of the job, if it exists.
func (r *Registry) Snapshot(jobID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return *job, true
}

// List returns copies of all jobs, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// CountActive returns how many jobs sit in cap-relevant states.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, job := range r.jobs {
		if job.State.Active() {
			n++
		}
	}
	return n
}

// Transition moves a job along a legal edge of the state graph.
func (r *Registry) Transition(jobID string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if !CanTransition(job.State, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", jobID, job.State, to)
	}
	job.State = to
	if to.Terminal() && job.FinishedAt.IsZero() {
		job.FinishedAt = time.Now().UTC()
	}
	return nil
}

// SetProgress raises a job's progress. Progress is monotonic within an
// attempt; lower values are ignored, not an error (ticks from a racing
// output scanner may arrive late).
func (r *Registry) SetProgress(jobID string, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return
	}
	if progress > job.Progress {
		job.Progress = progress
	}
}

// NewAttempt records a retry: the attempt counter increments and progress
// restarts at zero. The job id and state are preserved.
func (r *Registry) NewAttempt(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return 0
	}
	job.AttemptCount++
	job.Progress = 0
	return job.AttemptCount
}

// SetWorkspace records the allocated scratch directory.
func (r *Registry) SetWorkspace(jobID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.WorkspacePath = path
	}
}

// ClearWorkspace drops the workspace reference after disposal.
func (r *Registry) ClearWorkspace(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.WorkspacePath = ""
	}
}

// RegisterArchive records the produced artifact. Set together with the
// Completed transition so archivePath is present iff the job completed.
func (r *Registry) RegisterArchive(jobID, path string, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.ArchivePath = path
		job.ArchiveSize = size
	}
}

// SetError moves a job to Error with its stable reason. Already-terminal
// jobs are left alone.
func (r *Registry) SetError(jobID string, kind errors.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return
	}
	if job.State.Terminal() {
		return
	}
	job.State = StateError
	job.LastError = kind
	if job.FinishedAt.IsZero() {
		job.FinishedAt = time.Now().UTC()
	}
}

// Forget drops the job record. Returns false when the id is unknown.
func (r *Registry) Forget(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return false
	}
	delete(r.jobs, jobID)
	return true
}

// Stale returns jobs whose StartedAt is older than deadline, split into
// running (non-terminal) and finished (terminal) sets. The sweeper times out
// the former and reaps the latter.
func (r *Registry) Stale(deadline time.Duration) (running, finished []Snapshot) {
	cutoff := time.Now().Add(-deadline)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		if job.StartedAt.After(cutoff) {
			continue
		}
		if job.State.Terminal() {
			finished = append(finished, *job)
		} else {
			running = append(running, *job)
		}
	}
	return running, finished
}
