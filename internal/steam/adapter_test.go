package steam

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshopd/internal/config"
)

// fakeTool writes an executable shell script that plays back canned steamcmd
// output and returns its path.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steamcmd")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

type stubFinder struct {
	path string
	ok   bool
}

func (f stubFinder) FindContent(string, uint64, string) (string, bool) {
	return f.path, f.ok
}

func testSteamConfig(toolPath string) config.SteamConfig {
	return config.SteamConfig{
		CmdPath:            toolPath,
		FetchTimeout:       30 * time.Second,
		VerifyTimeout:      10 * time.Second,
		SessionCacheWindow: time.Minute,
		RetryAttempts:      1,
		RetryBaseDelay:     time.Millisecond,
	}
}

func TestFetchAnonymousHappyPath(t *testing.T) {
	tool := fakeTool(t, `
echo "Loading Steam API...OK"
echo "Logged in OK"
echo "Downloading item 2169435993 ..."
echo "Success. Downloaded item 2169435993 to \"$2\" (112233 bytes)"`)

	content := t.TempDir()
	adapter := NewAdapter(testSteamConfig(tool), stubFinder{path: content, ok: true}, "", nil)

	var ticks, lines int
	outcome := adapter.Fetch(context.Background(), FetchRequest{
		WorkspacePath: t.TempDir(),
		AppID:         108600,
		ItemID:        "2169435993",
		Mode:          ModeAnonymous,
	}, func(ev Event) {
		switch ev.Kind {
		case EventDownloadTick:
			ticks++
		case EventOutputLine:
			lines++
		}
	})

	assert.Equal(t, OutcomeContentWritten, outcome.Kind)
	assert.Equal(t, content, outcome.ContentPath)
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 4, lines)
	// Anonymous runs never touch the session.
	assert.Equal(t, SessionUnknown, adapter.Session().State())
}

func TestFetchSecondFactorPrompt(t *testing.T) {
	tool := fakeTool(t, `echo "Please enter the Steam Guard code sent to your email:"`)

	cfg := testSteamConfig(tool)
	cfg.Username = "downloader"
	cfg.Password = "hunter2"
	adapter := NewAdapter(cfg, stubFinder{}, "", nil)

	outcome := adapter.Fetch(context.Background(), FetchRequest{
		WorkspacePath: t.TempDir(),
		AppID:         108600,
		ItemID:        "1",
		Mode:          ModeCredentials,
	}, nil)

	assert.Equal(t, OutcomeNeedsSecondFactor, outcome.Kind)
	assert.Equal(t, SecondFactorEmail, outcome.SecondFactor)
	assert.Equal(t, SessionInvalid, adapter.Session().State())
}

func TestFetchSuccessMarkersButNoContent(t *testing.T) {
	tool := fakeTool(t, `echo "Logged in OK"`)
	adapter := NewAdapter(testSteamConfig(tool), stubFinder{ok: false}, "", nil)

	outcome := adapter.Fetch(context.Background(), FetchRequest{
		WorkspacePath: t.TempDir(),
		AppID:         108600,
		ItemID:        "1",
		Mode:          ModeAnonymous,
	}, nil)

	assert.Equal(t, OutcomeTransientFailure, outcome.Kind)
}

func TestFetchTimeoutKillsChild(t *testing.T) {
	tool := fakeTool(t, `
echo "Logged in OK"
sleep 30`)
	cfg := testSteamConfig(tool)
	cfg.FetchTimeout = 300 * time.Millisecond
	adapter := NewAdapter(cfg, stubFinder{ok: false}, "", nil)

	start := time.Now()
	outcome := adapter.Fetch(context.Background(), FetchRequest{
		WorkspacePath: t.TempDir(),
		AppID:         108600,
		ItemID:        "1",
		Mode:          ModeAnonymous,
	}, nil)

	assert.Equal(t, OutcomeTimeout, outcome.Kind)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestVerifySessionSuccess(t *testing.T) {
	tool := fakeTool(t, `
echo "Waiting for client config...OK"
echo "Logged in OK"`)
	cfg := testSteamConfig(tool)
	cfg.Username = "downloader"
	adapter := NewAdapter(cfg, stubFinder{}, "", nil)

	assert.True(t, adapter.VerifySession(context.Background()))
	assert.Equal(t, SessionVerified, adapter.Session().State())

	// Within the cache window the verify run is skipped entirely; point the
	// adapter at a missing binary to prove it.
	adapter.cfg.CmdPath = "/nonexistent/steamcmd"
	assert.True(t, adapter.VerifySession(context.Background()))
}

func TestVerifySessionGuardPromptInvalidates(t *testing.T) {
	tool := fakeTool(t, `
echo "Logged in OK"
echo "Two-factor code:"`)
	cfg := testSteamConfig(tool)
	cfg.Username = "downloader"
	adapter := NewAdapter(cfg, stubFinder{}, "", nil)

	assert.False(t, adapter.VerifySession(context.Background()))
	assert.Equal(t, SessionInvalid, adapter.Session().State())
}

func TestVerifySessionAnonymous(t *testing.T) {
	adapter := NewAdapter(testSteamConfig("/bin/true"), stubFinder{}, "", nil)
	assert.False(t, adapter.VerifySession(context.Background()))
}

func TestAuthenticateWithSecondFactor(t *testing.T) {
	tool := fakeTool(t, `echo "Logged in OK"`)
	cfg := testSteamConfig(tool)
	cfg.Username = "downloader"
	cfg.Password = "hunter2"
	adapter := NewAdapter(cfg, stubFinder{}, "", nil)

	retry, err := adapter.AuthenticateWithSecondFactor(context.Background(), "ABC12")
	require.NoError(t, err)
	assert.Nil(t, retry)
	assert.Equal(t, SessionVerified, adapter.Session().State())
}

func TestAuthenticateStillPrompted(t *testing.T) {
	tool := fakeTool(t, `echo "Two-factor code:"`)
	cfg := testSteamConfig(tool)
	cfg.Username = "downloader"
	cfg.Password = "hunter2"
	adapter := NewAdapter(cfg, stubFinder{}, "", nil)

	retry, err := adapter.AuthenticateWithSecondFactor(context.Background(), "WRONG")
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, OutcomeNeedsSecondFactor, retry.Kind)
	assert.Equal(t, SessionInvalid, adapter.Session().State())
}

func TestFetchArgs(t *testing.T) {
	cfg := testSteamConfig("steamcmd")
	cfg.Username = "downloader"
	cfg.Password = "hunter2"
	adapter := NewAdapter(cfg, stubFinder{}, "", nil)

	t.Run("anonymous", func(t *testing.T) {
		args, err := adapter.fetchArgs(FetchRequest{WorkspacePath: "/ws", AppID: 108600, ItemID: "42", Mode: ModeAnonymous})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"+@NoPromptForPassword", "1",
			"+force_install_dir", "/ws",
			"+login", "anonymous",
			"+workshop_download_item", "108600", "42", "validate",
			"+quit",
		}, args)
	})

	t.Run("cached omits password", func(t *testing.T) {
		args, err := adapter.fetchArgs(FetchRequest{WorkspacePath: "/ws", AppID: 108600, ItemID: "42", Mode: ModeCached})
		require.NoError(t, err)
		assert.NotContains(t, args, "hunter2")
		assert.Contains(t, args, "downloader")
	})

	t.Run("credentials include password", func(t *testing.T) {
		args, err := adapter.fetchArgs(FetchRequest{WorkspacePath: "/ws", AppID: 108600, ItemID: "42", Mode: ModeCredentials})
		require.NoError(t, err)
		assert.Contains(t, args, "hunter2")
	})

	t.Run("missing item id", func(t *testing.T) {
		_, err := adapter.fetchArgs(FetchRequest{WorkspacePath: "/ws", AppID: 108600, Mode: ModeAnonymous})
		assert.Error(t, err)
	})
}
