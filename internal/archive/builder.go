package archive

import (
	"archive/zip"
	"compress/flate"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"workshopd/internal/errors"
	"workshopd/internal/logging"
)

const (
	// minArchiveBytes is the floor below which an archive is considered
	// broken: even a single-entry zip of real mod content exceeds it.
	minArchiveBytes = 512

	// ratioWarnInputFloor gates the compression-ratio warning; tiny inputs
	// produce meaningless ratios.
	ratioWarnInputFloor = 10 << 10
)

// ProgressFunc receives entry-count progress. done == total exactly once, at
// the end of a successful walk.
type ProgressFunc func(done, total int)

// Builder produces a single zip archive from a directory tree.
//
// Compression is flate.BestSpeed: workshop content is mostly packed binary
// assets, so higher levels burn CPU for nothing.
type Builder struct {
	maxBytes int64
	timeout  time.Duration
	logger   logging.Logger
}

// NewBuilder creates a builder. maxBytes bounds the output file size; timeout
// bounds one whole build.
func NewBuilder(maxBytes int64, timeout time.Duration, logger logging.Logger) *Builder {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Builder{
		maxBytes: maxBytes,
		timeout:  timeout,
		logger:   logging.OrNop(logger),
	}
}

// Build archives sourceDir into outputFile. Entries are stored relative to
// sourceDir. On any error the partial output file is removed.
func (b *Builder) Build(ctx context.Context, sourceDir, outputFile string, progress ProgressFunc) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if progress == nil {
		progress = func(int, int) {}
	}

	total, inputBytes, err := countFiles(sourceDir)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "scan source %s", sourceDir)
	}
	if total == 0 {
		return errors.New(errors.KindNoContent, "no files under %s", sourceDir)
	}

	if err := b.writeArchive(ctx, sourceDir, outputFile, total, progress); err != nil {
		_ = os.Remove(outputFile)
		return err
	}

	info, err := os.Stat(outputFile)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "stat archive %s", outputFile)
	}
	if info.Size() < minArchiveBytes {
		_ = os.Remove(outputFile)
		return errors.New(errors.KindArchiveTooSmall, "archive is %d bytes, floor is %d", info.Size(), minArchiveBytes)
	}
	if inputBytes > ratioWarnInputFloor && info.Size()*100 < inputBytes {
		b.logger.Warn("suspicious compression ratio: %d bytes in, %d bytes out", inputBytes, info.Size())
	}

	b.logger.Info("archived %d file(s), %d bytes -> %s (%d bytes)", total, inputBytes, outputFile, info.Size())
	return nil
}

func (b *Builder) writeArchive(ctx context.Context, sourceDir, outputFile string, total int, progress ProgressFunc) error {
	out, err := os.Create(outputFile)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "create archive %s", outputFile)
	}
	defer out.Close()

	limited := &limitWriter{w: out, limit: b.maxBytes}
	zw := zip.NewWriter(limited)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})

	done := 0
	lastReport := time.Time{}
	err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return err
		}

		done++
		if done == total || time.Since(lastReport) >= 200*time.Millisecond {
			progress(done, total)
			lastReport = time.Now()
		}
		return nil
	})
	if err == nil {
		err = zw.Close()
	} else {
		_ = zw.Close()
	}
	if err != nil {
		return classifyWriteError(ctx, err)
	}
	return nil
}

func classifyWriteError(ctx context.Context, err error) error {
	if limitErr, ok := errAs[*limitExceededError](err); ok {
		return errors.New(errors.KindArchiveTooLarge, "archive exceeds %d bytes", limitErr.limit)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(errors.KindTimeout, err, "archive build deadline exceeded")
	}
	if ctx.Err() == context.Canceled {
		return fmt.Errorf("archive build cancelled: %w", err)
	}
	return errors.Wrap(errors.KindInternal, err, "write archive")
}

func countFiles(root string) (int, int64, error) {
	count := 0
	var bytes int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		count++
		bytes += info.Size()
		return nil
	})
	return count, bytes, err
}

func errAs[T error](err error) (T, bool) {
	var target T
	if stderrors.As(err, &target) {
		return target, true
	}
	return target, false
}

type limitExceededError struct {
	limit int64
}

func (e *limitExceededError) Error() string {
	return fmt.Sprintf("archive size limit %d exceeded", e.limit)
}

// limitWriter fails the write that would push the output past limit. A limit
// of zero or less means unbounded.
type limitWriter struct {
	w     io.Writer
	n     int64
	limit int64
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	if lw.limit > 0 && lw.n+int64(len(p)) > lw.limit {
		return 0, &limitExceededError{limit: lw.limit}
	}
	n, err := lw.w.Write(p)
	lw.n += int64(n)
	return n, err
}
