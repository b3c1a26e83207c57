package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/otto-de/jlineup-sub001/internal/imagediff"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// FileStore writes run artifacts below a base directory, one sub directory
// per run.
type FileStore struct {
	baseDir string
}

// NewFileStore constructs a filesystem-backed artifact store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory must be provided")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of all runs.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// Run returns the artifact files of one run, creating its directory.
func (s *FileStore) Run(runID string) (*RunFiles, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	dir := filepath.Join(s.baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return &RunFiles{dir: dir}, nil
}

// RunFiles reads and writes the artifacts of a single run. Refs are file names
// relative to Dir.
type RunFiles struct {
	dir string
}

// Dir returns the run directory.
func (f *RunFiles) Dir() string {
	return f.dir
}

// Path resolves a ref to an absolute file path.
func (f *RunFiles) Path(ref string) string {
	return filepath.Join(f.dir, filepath.Base(ref))
}

// SaveSlice encodes a captured slice and returns its ref. An existing file of
// the same name, left by an earlier attempt, is replaced.
func (f *RunFiles) SaveSlice(ctx context.Context, unit types.CaptureUnit, offset int, img image.Image) (string, error) {
	return f.saveImage(ctx, SliceName(unit, offset, unit.Phase), img)
}

// SaveDiff stores the difference image of one offset.
func (f *RunFiles) SaveDiff(ctx context.Context, unit types.CaptureUnit, offset int, img image.Image) (string, error) {
	return f.saveImage(ctx, DiffName(unit, offset), img)
}

// Load decodes the image behind ref.
func (f *RunFiles) Load(ref string) (image.Image, error) {
	return imagediff.Load(f.Path(ref))
}

// Exists reports whether the file behind ref is present.
func (f *RunFiles) Exists(ref string) bool {
	_, err := os.Stat(f.Path(ref))
	return err == nil
}

// Remove deletes the file behind ref. Missing files are not an error.
func (f *RunFiles) Remove(ref string) error {
	if err := os.Remove(f.Path(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// WriteFile atomically replaces name inside the run directory.
func (f *RunFiles) WriteFile(name string, data []byte) error {
	return writeAtomic(filepath.Join(f.dir, filepath.Base(name)), data)
}

// Rebuild reconstructs the tracker of this run from the files on disk.
func (f *RunFiles) Rebuild() (*Tracker, error) {
	return Rebuild(f.dir)
}

func (f *RunFiles) saveImage(ctx context.Context, name string, img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("save %s: nil image", name)
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}
	var buf bytes.Buffer
	if err := imagediff.EncodePNG(&buf, img); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	if err := writeAtomic(filepath.Join(f.dir, name), buf.Bytes()); err != nil {
		return "", err
	}
	return name, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write artifact file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close artifact file: %w", err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod artifact file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename artifact file: %w", err)
	}
	return nil
}
