package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshopd/internal/errors"
)

func writeTestTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, data := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
}

func TestBuildProducesValidArchive(t *testing.T) {
	src := t.TempDir()
	writeTestTree(t, src, map[string][]byte{
		"mod.info":              bytes.Repeat([]byte("name=test\n"), 64),
		"media/scripts/item.txt": bytes.Repeat([]byte("recipe "), 256),
		"media/textures/a.pack":  bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 512),
	})
	out := filepath.Join(t.TempDir(), "2169435993.zip")

	err := NewBuilder(0, time.Minute, nil).Build(context.Background(), src, out, nil)
	require.NoError(t, err)

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"media/scripts/item.txt", "media/textures/a.pack", "mod.info"}, names)
}

func TestBuildReportsMonotonicProgress(t *testing.T) {
	src := t.TempDir()
	files := map[string][]byte{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files[name] = bytes.Repeat([]byte(name), 512)
	}
	writeTestTree(t, src, files)
	out := filepath.Join(t.TempDir(), "out.zip")

	var reports [][2]int
	err := NewBuilder(0, time.Minute, nil).Build(context.Background(), src, out, func(done, total int) {
		reports = append(reports, [2]int{done, total})
	})
	require.NoError(t, err)
	require.NotEmpty(t, reports)

	last := 0
	for _, r := range reports {
		assert.GreaterOrEqual(t, r[0], last)
		assert.Equal(t, 5, r[1])
		last = r[0]
	}
	assert.Equal(t, 5, reports[len(reports)-1][0])
}

func TestBuildEmptySourceFails(t *testing.T) {
	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "out.zip")

	err := NewBuilder(0, time.Minute, nil).Build(context.Background(), src, out, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindNoContent, errors.KindOf(err))
	assert.NoFileExists(t, out)
}

func TestBuildTinyOutputFailsFloor(t *testing.T) {
	src := t.TempDir()
	writeTestTree(t, src, map[string][]byte{"x": []byte("1")})
	out := filepath.Join(t.TempDir(), "out.zip")

	err := NewBuilder(0, time.Minute, nil).Build(context.Background(), src, out, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindArchiveTooSmall, errors.KindOf(err))
	assert.NoFileExists(t, out)
}

func TestBuildRespectsSizeLimit(t *testing.T) {
	src := t.TempDir()
	// Incompressible payload so the output cannot duck under the limit.
	payload := make([]byte, 64<<10)
	for i := range payload {
		payload[i] = byte(i*31 + i/7)
	}
	writeTestTree(t, src, map[string][]byte{"big.pack": payload})
	out := filepath.Join(t.TempDir(), "out.zip")

	err := NewBuilder(1024, time.Minute, nil).Build(context.Background(), src, out, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindArchiveTooLarge, errors.KindOf(err))
	assert.NoFileExists(t, out)
}

func TestBuildCancelledContext(t *testing.T) {
	src := t.TempDir()
	writeTestTree(t, src, map[string][]byte{"a": bytes.Repeat([]byte("a"), 2048)})
	out := filepath.Join(t.TempDir(), "out.zip")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewBuilder(0, time.Minute, nil).Build(ctx, src, out, nil)
	require.Error(t, err)
	assert.NoFileExists(t, out)
}
