package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"workshopd/internal/archive"
	"workshopd/internal/async"
	"workshopd/internal/config"
	"workshopd/internal/errors"
	"workshopd/internal/history"
	"workshopd/internal/logbus"
	"workshopd/internal/logging"
	"workshopd/internal/observability"
	"workshopd/internal/registry"
	"workshopd/internal/scrape"
	"workshopd/internal/steam"
	"workshopd/internal/workspace"
)

// forgetDelay is how long a Cleaned job record lingers so that a status poll
// racing the cleanup still resolves, and repeated cleanup calls stay
// idempotent.
const forgetDelay = 30 * time.Second

// itemIDPattern matches the numeric item identifier in a workshop URL.
var itemIDPattern = regexp.MustCompile(`id=(\d+)`)

// ParseItemID extracts the workshop item id from a submitted URL.
func ParseItemID(rawURL string) (string, error) {
	m := itemIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", errors.New(errors.KindInvalidURL, "no id=<digits> in %q", rawURL)
	}
	return m[1], nil
}

// Deps bundles the collaborators the orchestrator drives.
type Deps struct {
	Registry  *registry.Registry
	Workspace *workspace.Manager
	Adapter   *steam.Adapter
	Builder   *archive.Builder
	Fetcher   scrape.MetadataFetcher
	History   history.Store
	Bus       *logbus.Bus
	Metrics   *observability.MetricsCollector
	Tracer    *observability.TracerProvider
}

// Orchestrator runs the per-job pipeline: workspace, steam fetch with
// retries, archive build, registration, cleanup. It is the single writer of
// job state and progress.
type Orchestrator struct {
	cfg     config.Config
	reg     *registry.Registry
	ws      *workspace.Manager
	adapter *steam.Adapter
	builder *archive.Builder
	fetcher scrape.MetadataFetcher
	hist    history.Store
	bus     *logbus.Bus
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
	sem     *semaphore.Weighted
	logger  logging.Logger

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	accepting bool

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an orchestrator. Start must be called before Submit.
func New(cfg config.Config, deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		reg:       deps.Registry,
		ws:        deps.Workspace,
		adapter:   deps.Adapter,
		builder:   deps.Builder,
		fetcher:   deps.Fetcher,
		hist:      deps.History,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:    deps.Bus.Logger("orchestrator"),
		cancels:   make(map[string]context.CancelFunc),
		accepting: true,
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// Start launches the periodic sweeper.
func (o *Orchestrator) Start() {
	async.Loop(o.baseCtx, o.logger, "sweeper", o.cfg.SweepInterval, o.sweep)
}

// Occupancy returns the number of cap-relevant jobs and the cap.
func (o *Orchestrator) Occupancy() (current, max int) {
	return o.reg.CountActive(), o.cfg.MaxConcurrent
}

// Submit validates a workshop URL, admits a job and starts its pipeline.
// It returns as soon as the job is admitted; callers poll status.
func (o *Orchestrator) Submit(ctx context.Context, rawURL string) (registry.Snapshot, error) {
	o.mu.Lock()
	accepting := o.accepting
	o.mu.Unlock()
	if !accepting {
		return registry.Snapshot{}, errors.New(errors.KindInternal, "server is shutting down")
	}

	itemID, err := ParseItemID(rawURL)
	if err != nil {
		return registry.Snapshot{}, err
	}

	meta, err := o.fetcher.Fetch(ctx, itemID)
	if err != nil {
		return registry.Snapshot{}, errors.Wrap(errors.KindInvalidItem, err, "metadata fetch for item %s", itemID)
	}
	if !meta.Valid {
		return registry.Snapshot{}, errors.New(errors.KindInvalidItem, "item %s failed validity check", itemID)
	}
	if meta.AppID != o.cfg.AppID {
		return registry.Snapshot{}, errors.New(errors.KindWrongApplication,
			"item %s belongs to app %d, this service downloads app %d", itemID, meta.AppID, o.cfg.AppID)
	}

	if !o.sem.TryAcquire(1) {
		current, max := o.Occupancy()
		return registry.Snapshot{}, errors.New(errors.KindCapacityExhausted,
			"%d of %d download slots in use", current, max)
	}

	job := o.reg.Create(itemID, meta)
	o.metrics.RecordSubmission(ctx)
	o.hist.Record(history.Entry{JobID: job.ID, ItemID: itemID, Title: meta.Title, Outcome: "submitted"})
	o.bus.Publish(logbus.LevelInfo, "orchestrator", fmt.Sprintf("job %s admitted for item %s (%s)", job.ID, itemID, meta.Title),
		map[string]any{"jobId": job.ID, "itemId": itemID})

	jobCtx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	async.Go(o.logger, "job-"+job.ID, func() {
		defer o.wg.Done()
		o.run(jobCtx, job.ID, itemID)
	})
	return job, nil
}

// run drives one job through the pipeline. Every exit path releases the
// admission slot and either registers an artifact or disposes the workspace.
func (o *Orchestrator) run(ctx context.Context, jobID, itemID string) {
	started := time.Now()
	defer func() {
		o.sem.Release(1)
		o.mu.Lock()
		if cancel, ok := o.cancels[jobID]; ok {
			cancel()
			delete(o.cancels, jobID)
		}
		o.mu.Unlock()
	}()

	ctx, span := o.span(ctx, itemID)
	defer span.End()

	// Starting -> Preparing
	if err := o.reg.Transition(jobID, registry.StatePreparing); err != nil {
		return
	}
	wsPath, err := o.ws.Allocate(jobID)
	if err != nil {
		o.fail(ctx, jobID, errors.KindInternal, err.Error(), started)
		return
	}
	o.reg.SetWorkspace(jobID, wsPath)

	// Preparing -> Downloading
	if err := o.reg.Transition(jobID, registry.StateDownloading); err != nil {
		return
	}
	contentPath, failKind, detail := o.fetchWithRetries(ctx, jobID, wsPath, itemID)
	if failKind != "" {
		o.fail(ctx, jobID, failKind, detail, started)
		return
	}

	// Downloading -> CreatingArchive
	if err := o.reg.Transition(jobID, registry.StateCreatingArchive); err != nil {
		return
	}
	o.reg.SetProgress(jobID, 70)
	archivePath := filepath.Join(wsPath, itemID+".zip")
	buildErr := o.builder.Build(ctx, contentPath, archivePath, func(done, total int) {
		p := 70 + (25*done)/total
		if p > 95 {
			p = 95
		}
		o.reg.SetProgress(jobID, p)
	})
	if buildErr != nil {
		o.fail(ctx, jobID, errors.KindOf(buildErr), buildErr.Error(), started)
		return
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		o.fail(ctx, jobID, errors.KindInternal, err.Error(), started)
		return
	}

	// CreatingArchive -> Completed. Archive registration and the transition
	// happen back to back so archivePath is visible exactly when Completed is.
	o.reg.RegisterArchive(jobID, archivePath, info.Size())
	if err := o.reg.Transition(jobID, registry.StateCompleted); err != nil {
		return
	}
	o.reg.SetProgress(jobID, 100)

	o.metrics.RecordCompletion(ctx, true, "", time.Since(started), info.Size())
	o.hist.Record(history.Entry{JobID: jobID, ItemID: itemID, Outcome: "completed", ArchiveSize: info.Size()})
	o.bus.Publish(logbus.LevelSuccess, "orchestrator",
		fmt.Sprintf("job %s completed: %s (%d bytes)", jobID, filepath.Base(archivePath), info.Size()),
		map[string]any{"jobId": jobID, "archiveSize": info.Size()})
}

// fetchWithRetries runs the adapter inside the Downloading state. Transient
// failures and timeouts are retried with linear backoff; everything else
// fails the job immediately. On success it returns the located content path.
func (o *Orchestrator) fetchWithRetries(ctx context.Context, jobID, wsPath, itemID string) (contentPath string, failKind errors.Kind, detail string) {
	attempts := o.cfg.Steam.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last steam.Outcome
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := o.cfg.Steam.RetryBaseDelay * time.Duration(attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", errors.KindTimeout, "cancelled during retry backoff"
			}

			o.metrics.RecordRetry(ctx)
			o.reg.NewAttempt(jobID)
			// A fresh tree per attempt: partial downloads confuse the tool.
			if err := o.ws.Dispose(wsPath, false); err != nil {
				o.logger.Warn("job %s: could not reset workspace: %v", jobID, err)
			}
			if _, err := o.ws.Allocate(jobID); err != nil {
				return "", errors.KindInternal, err.Error()
			}
			o.bus.Publish(logbus.LevelWarning, "orchestrator",
				fmt.Sprintf("job %s: retrying download, attempt %d/%d", jobID, attempt, attempts),
				map[string]any{"jobId": jobID, "attempt": attempt})
		}

		mode, modeKind, modeDetail := o.chooseMode(ctx)
		if modeKind != "" {
			return "", modeKind, modeDetail
		}

		o.reg.SetProgress(jobID, 10)
		ticks := 0
		outcome := o.adapter.Fetch(ctx, steam.FetchRequest{
			WorkspacePath: wsPath,
			AppID:         o.cfg.AppID,
			ItemID:        itemID,
			Mode:          mode,
		}, func(ev steam.Event) {
			switch ev.Kind {
			case steam.EventDownloadTick:
				ticks++
				p := 10 + 2*ticks
				if p > 55 {
					p = 55
				}
				o.reg.SetProgress(jobID, p)
			case steam.EventOutputLine:
				o.bus.Publish(logbus.LevelDebug, "steam", ev.Line, map[string]any{"jobId": jobID})
			}
		})
		last = outcome

		switch outcome.Kind {
		case steam.OutcomeContentWritten:
			o.reg.SetProgress(jobID, 60)
			return outcome.ContentPath, "", ""
		case steam.OutcomeNeedsSecondFactor:
			return "", errors.KindSecondFactorRequired, fmt.Sprintf("%s second factor required", outcome.SecondFactor)
		case steam.OutcomeSessionExpired:
			return "", errors.KindSecondFactorRequired, "saved session expired; re-authentication required"
		case steam.OutcomeAccessDenied:
			return "", errors.KindAccessDenied, "no subscription or access denied"
		case steam.OutcomeNotFound:
			return "", errors.KindNotFound, "item not found"
		case steam.OutcomeTimeout, steam.OutcomeTransientFailure:
			if ctx.Err() != nil {
				return "", errors.KindTimeout, "job cancelled or timed out"
			}
			// retry-eligible; loop continues
		}
	}

	if last.Kind == steam.OutcomeTimeout {
		return "", errors.KindTimeout, "steam tool timed out on every attempt"
	}
	return "", errors.KindTransientFailure, last.Detail
}

// chooseMode implements the session-aware first attempt. Anonymous mode
// skips the session machinery entirely.
func (o *Orchestrator) chooseMode(ctx context.Context) (steam.FetchMode, errors.Kind, string) {
	if o.cfg.Steam.Anonymous() {
		return steam.ModeAnonymous, "", ""
	}
	if o.adapter.Session().CachedValid() {
		return steam.ModeCached, "", ""
	}
	if o.adapter.VerifySession(ctx) {
		return steam.ModeCached, "", ""
	}
	if o.cfg.Steam.Password != "" {
		return steam.ModeCredentials, "", ""
	}
	return 0, errors.KindSecondFactorRequired, "session invalid and no password configured for re-login"
}

// fail records a terminal failure and disposes the workspace. A job another
// path already finished (the sweeper, a cancel) is left untouched.
func (o *Orchestrator) fail(ctx context.Context, jobID string, kind errors.Kind, detail string, started time.Time) {
	snap, ok := o.reg.Snapshot(jobID)
	if !ok || snap.State.Terminal() {
		return
	}

	o.reg.SetError(jobID, kind)
	o.bus.Publish(logbus.LevelError, "orchestrator",
		fmt.Sprintf("job %s failed: %s (%s)", jobID, kind, detail),
		map[string]any{"jobId": jobID, "kind": string(kind)})

	if snap.WorkspacePath != "" {
		if err := o.ws.Dispose(snap.WorkspacePath, false); err != nil {
			o.logger.Warn("job %s: dispose after failure: %v", jobID, err)
		}
		o.reg.ClearWorkspace(jobID)
	}

	o.metrics.RecordCompletion(ctx, false, string(kind), time.Since(started), 0)
	o.hist.Record(history.Entry{JobID: jobID, ItemID: snap.ItemID, Outcome: string(kind)})
}

// Cancel cancels a running job if needed, disposes its workspace and marks
// it Cleaned. Idempotent; unknown ids report NotFound.
func (o *Orchestrator) Cancel(jobID string) error {
	snap, ok := o.reg.Snapshot(jobID)
	if !ok {
		return errors.New(errors.KindNotFound, "job %s not found", jobID)
	}
	if snap.State == registry.StateCleaned {
		return nil
	}

	o.mu.Lock()
	if cancel, ok := o.cancels[jobID]; ok {
		cancel()
	}
	o.mu.Unlock()

	if snap.WorkspacePath != "" {
		if err := o.ws.Dispose(snap.WorkspacePath, false); err != nil {
			o.logger.Warn("job %s: dispose on cancel: %v", jobID, err)
		}
		o.reg.ClearWorkspace(jobID)
	}
	if err := o.reg.Transition(jobID, registry.StateCleaned); err != nil {
		return errors.Wrap(errors.KindInternal, err, "mark job cleaned")
	}
	o.bus.Publish(logbus.LevelInfo, "orchestrator", fmt.Sprintf("job %s cleaned", jobID),
		map[string]any{"jobId": jobID})

	time.AfterFunc(forgetDelay, func() { o.reg.Forget(jobID) })
	return nil
}

// FinishDelivery is called after a whole-file archive download succeeded:
// the workspace (archive included) is disposed and the record scheduled to
// drop. Range deliveries never reach here.
func (o *Orchestrator) FinishDelivery(jobID string) {
	snap, ok := o.reg.Snapshot(jobID)
	if !ok || snap.State != registry.StateCompleted {
		return
	}
	if snap.WorkspacePath != "" {
		if err := o.ws.Dispose(snap.WorkspacePath, false); err != nil {
			o.logger.Warn("job %s: dispose after delivery: %v", jobID, err)
		}
		o.reg.ClearWorkspace(jobID)
	}
	_ = o.reg.Transition(jobID, registry.StateCleaned)
	time.AfterFunc(forgetDelay, func() { o.reg.Forget(jobID) })
}

// sweep reaps jobs past the stale deadline: running ones become Timeout
// errors, finished ones lose their workspace and record.
func (o *Orchestrator) sweep(ctx context.Context) {
	running, finished := o.reg.Stale(o.cfg.JobTimeout)

	for _, snap := range running {
		o.mu.Lock()
		if cancel, ok := o.cancels[snap.ID]; ok {
			cancel()
		}
		o.mu.Unlock()

		o.reg.SetError(snap.ID, errors.KindTimeout)
		if snap.WorkspacePath != "" {
			if err := o.ws.Dispose(snap.WorkspacePath, false); err != nil {
				o.logger.Warn("sweep: dispose %s: %v", snap.WorkspacePath, err)
			}
			o.reg.ClearWorkspace(snap.ID)
		}
		o.metrics.RecordCompletion(ctx, false, string(errors.KindTimeout), time.Since(snap.StartedAt), 0)
		o.hist.Record(history.Entry{JobID: snap.ID, ItemID: snap.ItemID, Outcome: string(errors.KindTimeout)})
		o.bus.Publish(logbus.LevelWarning, "sweeper",
			fmt.Sprintf("job %s timed out after %s", snap.ID, o.cfg.JobTimeout),
			map[string]any{"jobId": snap.ID})
	}

	for _, snap := range finished {
		if snap.WorkspacePath != "" {
			if err := o.ws.Dispose(snap.WorkspacePath, false); err != nil {
				o.logger.Warn("sweep: dispose %s: %v", snap.WorkspacePath, err)
			}
			o.reg.ClearWorkspace(snap.ID)
		}
		if snap.State != registry.StateCleaned {
			_ = o.reg.Transition(snap.ID, registry.StateCleaned)
		}
		o.reg.Forget(snap.ID)
	}
}

// Shutdown stops accepting submissions, cancels in-flight jobs and waits for
// their pipelines to unwind, then disposes whatever workspaces remain.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.accepting = false
	o.mu.Unlock()
	o.cancelAll()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}

	for _, snap := range o.reg.List() {
		if snap.WorkspacePath == "" {
			continue
		}
		if err := o.ws.Dispose(snap.WorkspacePath, false); err != nil {
			o.logger.Warn("shutdown: dispose %s: %v", snap.WorkspacePath, err)
		}
		o.reg.ClearWorkspace(snap.ID)
	}
	return nil
}

func (o *Orchestrator) span(ctx context.Context, itemID string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := o.tracer.Start(ctx, "workshopd.download")
	span.SetAttributes(attribute.String("workshop.item_id", itemID))
	return ctx, span
}
