package audits

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
)

// DefaultAnalyzerPath is where the accessibility bundle is looked up when
// A11Y_ANALYZER_PATH is unset.
const DefaultAnalyzerPath = "assets/a11y-analyzer.js"

// Analyzer holds the accessibility analyzer bundle and keeps it fresh.
// The bundle is a self-contained script that installs window.__surveyorA11y
// when evaluated in a page; audits fail soft when it cannot be loaded.
type Analyzer struct {
	logger logging.Logger
	path   string

	mu      sync.RWMutex
	bundle  string
	loadErr error

	watcher *fsnotify.Watcher
}

// NewAnalyzer loads the bundle at path once. A missing bundle is not
// fatal; it surfaces per page as a module error until a reload succeeds.
func NewAnalyzer(logger logging.Logger, path string) *Analyzer {
	if path == "" {
		path = DefaultAnalyzerPath
	}
	a := &Analyzer{logger: logger, path: path}
	a.reload()
	return a
}

// Watch reloads the bundle whenever its file changes. The parent directory
// is watched because editors and deploy tools replace files by rename,
// which silently drops a watch on the file itself.
func (a *Analyzer) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create analyzer watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(a.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(a.path), err)
	}
	a.watcher = w
	go a.watchLoop()
	return nil
}

func (a *Analyzer) watchLoop() {
	base := filepath.Base(a.path)
	for {
		select {
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				a.reload()
			}
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.WithError(err).Warn("Accessibility analyzer watcher error")
		}
	}
}

func (a *Analyzer) reload() {
	data, err := os.ReadFile(a.path)
	if err != nil {
		a.mu.Lock()
		had := a.bundle != ""
		if !had {
			a.loadErr = err
		}
		a.mu.Unlock()
		if had {
			a.logger.WithError(err).WithField("path", a.path).Warn("Accessibility analyzer reload failed, keeping previous bundle")
		} else {
			a.logger.WithError(err).WithField("path", a.path).Warn("Accessibility analyzer unavailable")
		}
		return
	}
	a.mu.Lock()
	a.bundle = string(data)
	a.loadErr = nil
	a.mu.Unlock()
	a.logger.WithFields(logrus.Fields{
		"path": a.path,
		"size": len(data),
	}).Info("Accessibility analyzer loaded")
}

// Bundle returns the current analyzer script, or the load error that
// explains why there is none.
func (a *Analyzer) Bundle() (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.bundle == "" {
		if a.loadErr != nil {
			return "", a.loadErr
		}
		return "", fmt.Errorf("analyzer bundle %s is empty", a.path)
	}
	return a.bundle, nil
}

// Close stops the watcher if one was started.
func (a *Analyzer) Close() error {
	if a.watcher != nil {
		return a.watcher.Close()
	}
	return nil
}
