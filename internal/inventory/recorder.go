package inventory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"ycmodules/internal/logging"

	"go.uber.org/zap"
)

// Recorder upserts hosts into inventory files on disk.
type Recorder struct {
	locker Locker
}

// NewRecorder returns a recorder that serializes writers through locker.
// A nil locker means a FileLocker.
func NewRecorder(locker Locker) *Recorder {
	if locker == nil {
		locker = NewFileLocker()
	}
	return &Recorder{locker: locker}
}

// UpsertHost records host under group in the inventory at path, creating
// the file and its directory when needed. The file is only rewritten when
// the entry changes.
func (r *Recorder) UpsertHost(ctx context.Context, path, group, hostname string, host Host) (changed bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create inventory directory: %w", err)
	}

	unlock, err := r.locker.Lock(ctx, path)
	if err != nil {
		return false, err
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			logging.Logger().Warn("Failed to release inventory lock", zap.String("path", path), zap.Error(uerr))
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to read inventory: %w", err)
	}

	doc, err := Parse(data)
	if err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}

	changed, err = doc.UpsertHost(group, hostname, host)
	if err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	if !changed {
		logging.Logger().Debug("Inventory entry already up to date",
			zap.String("path", path),
			zap.String("group", group),
			zap.String("host", hostname))
		return false, nil
	}

	out, err := doc.Marshal()
	if err != nil {
		return false, err
	}
	if err := writeFileAtomic(path, out, 0644); err != nil {
		return false, err
	}

	logging.Logger().Info("Inventory updated",
		zap.String("path", path),
		zap.String("group", group),
		zap.String("host", hostname),
		zap.String("ansible_host", host.AnsibleHost))
	return true, nil
}

// IsRetryable reports whether an UpsertHost failure may succeed on another
// attempt. A malformed inventory or a cancelled context will not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrMalformed) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// writeFileAtomic writes data to a temporary file in the same directory,
// fsyncs it and renames it over path, so readers see either the old or the
// new inventory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary inventory file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary inventory file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temporary inventory file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary inventory file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary inventory file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move inventory into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
