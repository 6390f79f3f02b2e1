package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

// Writer persists run artifacts under <outputDir>/<runId>/. All writes go
// through a temp file in the target directory, fsync, then rename, so a
// crash mid-write never leaves a truncated artifact behind.
type Writer struct {
	logger logging.Logger
	root   string
}

// NewWriter creates the artifact layout for one run. Failures are
// PersistError; the caller aborts the run before any page work starts.
func NewWriter(logger logging.Logger, outputDir, runID string) (*Writer, error) {
	root := filepath.Join(outputDir, runID)
	for _, dir := range []string{
		filepath.Join(root, "pages"),
		filepath.Join(root, "screenshots"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, surveyor.NewAuditError(surveyor.KindPersistError, fmt.Errorf("create artifact directory: %w", err))
		}
	}
	return &Writer{logger: logger, root: root}, nil
}

// Root returns the run's artifact directory, <outputDir>/<runId>.
func (w *Writer) Root() string { return w.root }

// WritePage persists one page artifact as pages/<urlSlug>.json and returns
// the absolute path.
func (w *Writer) WritePage(artifact *surveyor.PageArtifact) (string, error) {
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", surveyor.NewAuditError(surveyor.KindPersistError, fmt.Errorf("encode page artifact: %w", err))
	}

	path := filepath.Join(w.root, "pages", URLSlug(artifact.URL)+".json")
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", surveyor.NewAuditError(surveyor.KindPersistError, err)
	}

	w.logger.WithFields(logrus.Fields{
		"url":  artifact.URL,
		"path": path,
	}).Debug("Page artifact written")
	return path, nil
}

// WriteSummary persists the run summary as summary.json.
func (w *Writer) WriteSummary(summary *surveyor.RunSummary) (string, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", surveyor.NewAuditError(surveyor.KindPersistError, fmt.Errorf("encode run summary: %w", err))
	}

	path := filepath.Join(w.root, "summary.json")
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", surveyor.NewAuditError(surveyor.KindPersistError, err)
	}
	return path, nil
}

// WriteScreenshot persists a page screenshot and returns its path relative
// to the run directory, the form stored in the page artifact.
func (w *Writer) WriteScreenshot(url string, png []byte) (string, error) {
	rel := "screenshots/" + URLSlug(url) + ".png"
	if err := writeFileAtomic(filepath.Join(w.root, filepath.FromSlash(rel)), png, 0o644); err != nil {
		return "", surveyor.NewAuditError(surveyor.KindPersistError, err)
	}
	return rel, nil
}

// writeFileAtomic writes data next to path and renames it into place. The
// temp file is fsynced before the rename and removed on any failure.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", base, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", base, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", base, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", base, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", base, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize %s: %w", base, err)
	}
	return nil
}
