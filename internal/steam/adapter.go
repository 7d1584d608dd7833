package steam

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"workshopd/internal/config"
	"workshopd/internal/logging"
)

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// FetchMode selects how the tool authenticates for one invocation.
type FetchMode int

const (
	// ModeAnonymous logs in as anonymous; no session machinery involved.
	ModeAnonymous FetchMode = iota
	// ModeCached logs in with the username only, relying on the saved
	// credential store. Never prompts for a password.
	ModeCached
	// ModeCredentials performs a full username/password login.
	ModeCredentials
)

// ContentFinder locates produced content under a workspace. Satisfied by
// *workspace.Manager.
type ContentFinder interface {
	FindContent(workspacePath string, appID uint64, itemID string) (string, bool)
}

// FetchRequest describes one item download.
type FetchRequest struct {
	WorkspacePath string
	AppID         uint64
	ItemID        string
	Mode          FetchMode
}

// Adapter wraps invocations of the external steam command-line tool. It owns
// the Session and the child process; callers get events and an Outcome.
type Adapter struct {
	cfg     config.SteamConfig
	session *Session
	finder  ContentFinder
	logger  logging.Logger

	// homeDir anchors the tool's credential store so a verified login
	// survives across jobs and workspaces.
	homeDir string
}

// NewAdapter creates an adapter. homeDir is a stable directory (outside any
// per-job workspace) handed to the tool as HOME.
func NewAdapter(cfg config.SteamConfig, finder ContentFinder, homeDir string, logger logging.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		session: NewSession(cfg.Username, cfg.SessionCacheWindow),
		finder:  finder,
		logger:  logging.OrNop(logger),
		homeDir: homeDir,
	}
}

// Session exposes the adapter-owned session for state queries.
func (a *Adapter) Session() *Session {
	return a.session
}

// Fetch runs the tool to download one item into the request workspace and
// classifies the result. Events are emitted for every output line as they
// arrive; the outcome is returned when the child has exited.
func (a *Adapter) Fetch(ctx context.Context, req FetchRequest, sink EventSink) Outcome {
	args, err := a.fetchArgs(req)
	if err != nil {
		return Outcome{Kind: OutcomeTransientFailure, Detail: err.Error()}
	}

	timeout := a.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	flags := &outputFlags{}
	runErr := a.runTool(runCtx, req.WorkspacePath, args, func(line string) {
		wasLoggedIn := flags.loginOK
		tick := flags.observe(line)
		if sink == nil {
			return
		}
		sink(Event{Kind: EventOutputLine, Line: line})
		if tick {
			sink(Event{Kind: EventDownloadTick, Line: line})
		}
		if !wasLoggedIn && flags.loginOK {
			sink(Event{Kind: EventLoginOK})
		}
	})
	timedOut := runCtx.Err() == context.DeadlineExceeded

	contentPath, contentOK := a.finder.FindContent(req.WorkspacePath, req.AppID, req.ItemID)
	outcome := resolve(flags, timedOut, runErr, contentPath, contentOK)
	a.recordSessionSignals(req.Mode, flags, outcome)

	a.logger.Debug("fetch of item %s finished: %s", req.ItemID, outcome.Kind)
	return outcome
}

// VerifySession spawns a short-lived login-and-quit run. True only when a
// success marker was observed and no second-factor prompt appeared.
func (a *Adapter) VerifySession(ctx context.Context) bool {
	if a.session.Username() == "" {
		return false
	}
	if a.session.CachedValid() {
		return true
	}

	timeout := a.cfg.VerifyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"+@NoPromptForPassword", "1",
		"+login", a.session.Username(),
		"+quit",
	}
	flags := &outputFlags{}
	err := a.runTool(runCtx, "", args, func(line string) {
		flags.observe(line)
	})

	ok := err == nil && flags.loginOK && flags.secondFactor == "" && !flags.sessionExpired
	if ok {
		a.session.MarkVerified()
	} else {
		a.session.MarkInvalid()
	}
	a.logger.Info("session verify for %s: %v", a.session.Username(), ok)
	return ok
}

// AuthenticateWithSecondFactor performs the one-time session bootstrap with a
// Steam Guard code. Returns nil on success; if a prompt is still observed the
// returned outcome says which kind.
func (a *Adapter) AuthenticateWithSecondFactor(ctx context.Context, code string) (*Outcome, error) {
	if a.session.Username() == "" {
		return nil, fmt.Errorf("no username configured")
	}
	if a.cfg.Password == "" {
		return nil, fmt.Errorf("no password configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	args := []string{
		"+set_steam_guard_code", code,
		"+login", a.session.Username(), a.cfg.Password,
		"+quit",
	}
	flags := &outputFlags{}
	err := a.runTool(runCtx, "", args, func(line string) {
		flags.observe(line)
	})

	switch {
	case flags.secondFactor != "":
		a.session.MarkInvalid()
		return &Outcome{Kind: OutcomeNeedsSecondFactor, SecondFactor: flags.secondFactor}, nil
	case flags.sessionExpired:
		a.session.MarkInvalid()
		return &Outcome{Kind: OutcomeSessionExpired}, nil
	case err != nil:
		return nil, fmt.Errorf("steam tool failed: %w", err)
	case !flags.loginOK:
		return nil, fmt.Errorf("no login success marker observed")
	}
	a.session.MarkVerified()
	return nil, nil
}

func (a *Adapter) fetchArgs(req FetchRequest) ([]string, error) {
	if req.ItemID == "" {
		return nil, fmt.Errorf("item id must be set")
	}
	args := []string{
		"+@NoPromptForPassword", "1",
		"+force_install_dir", req.WorkspacePath,
	}
	switch req.Mode {
	case ModeAnonymous:
		args = append(args, "+login", "anonymous")
	case ModeCached:
		if a.session.Username() == "" {
			return nil, fmt.Errorf("cached mode without a username")
		}
		args = append(args, "+login", a.session.Username())
	case ModeCredentials:
		if a.session.Username() == "" || a.cfg.Password == "" {
			return nil, fmt.Errorf("credentialed mode without full credentials")
		}
		args = append(args, "+login", a.session.Username(), a.cfg.Password)
	default:
		return nil, fmt.Errorf("unknown fetch mode %d", req.Mode)
	}
	args = append(args,
		"+workshop_download_item",
		strconv.FormatUint(req.AppID, 10),
		req.ItemID,
		"validate",
		"+quit",
	)
	return args, nil
}

// recordSessionSignals updates the adapter-owned session from what one run
// observed. Anonymous runs never touch the session.
func (a *Adapter) recordSessionSignals(mode FetchMode, flags *outputFlags, outcome Outcome) {
	if mode == ModeAnonymous {
		return
	}
	switch outcome.Kind {
	case OutcomeNeedsSecondFactor, OutcomeSessionExpired:
		a.session.MarkInvalid()
	default:
		if flags.loginOK && flags.secondFactor == "" {
			a.session.MarkVerified()
		}
	}
}

// runTool starts the tool in its own process group, streams merged
// stdout/stderr line by line into onLine, and terminates the whole group on
// context cancellation: SIGTERM first, SIGKILL after a short grace.
func (a *Adapter) runTool(ctx context.Context, workdir string, args []string, onLine func(string)) error {
	cmd := exec.Command(a.cfg.CmdPath, args...)
	if workdir != "" {
		cmd.Dir = workdir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if a.homeDir != "" {
		cmd.Env = append(os.Environ(), "HOME="+a.homeDir)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("start %s: %w", a.cfg.CmdPath, err)
	}

	var scanDone sync.WaitGroup
	scanDone.Add(1)
	go func() {
		defer scanDone.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		// Signal the whole process group so termination reaches every
		// descendant the tool spawned.
		pgid := cmd.Process.Pid
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case err = <-waitErr:
		case <-time.After(killGrace):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			err = <-waitErr
		}
		if err == nil {
			err = ctx.Err()
		}
	}

	pw.Close()
	scanDone.Wait()
	pr.Close()
	return err
}

// HomeDirFor returns the stable credential-store directory under root,
// creating it if needed.
func HomeDirFor(root string) (string, error) {
	dir := filepath.Join(root, ".steam-home")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create steam home %s: %w", dir, err)
	}
	return dir, nil
}
