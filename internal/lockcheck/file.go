package lockcheck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type lockFile struct {
	Locked []string `yaml:"locked"`
}

// FileChecker serves the owner ids listed in a YAML file:
//
//	locked:
//	  - owner-1
//	  - owner-2
//
// The file is reloaded when it changes. A reload that fails to parse keeps
// the previous list.
type FileChecker struct {
	path    string
	set     *Static
	watcher *fsnotify.Watcher
	logger  *logrus.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewFileChecker(path string, logger *logrus.Logger) (*FileChecker, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fc := &FileChecker{
		path:   path,
		set:    NewStatic(),
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := fc.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("lockcheck: create watcher: %w", err)
	}
	// Watch the directory so atomic replace (write temp + rename) is seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("lockcheck: watch %s: %w", path, err)
	}
	fc.watcher = watcher

	fc.wg.Add(1)
	go fc.run()
	return fc, nil
}

func (f *FileChecker) IsLocked(ctx context.Context, ownerID string) (bool, error) {
	return f.set.IsLocked(ctx, ownerID)
}

func (f *FileChecker) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("lockcheck: read %s: %w", f.path, err)
	}
	var lf lockFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return fmt.Errorf("lockcheck: parse %s: %w", f.path, err)
	}
	f.set.replace(lf.Locked)
	return nil
}

func (f *FileChecker) run() {
	defer f.wg.Done()
	target := filepath.Clean(f.path)
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.load(); err != nil {
				f.logger.WithError(err).Warn("Failed to reload lock file, keeping previous list")
				continue
			}
			f.logger.WithField("locked_owners", f.set.Len()).Info("Reloaded lock file")
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.WithError(err).Warn("Lock file watcher error")
		case <-f.done:
			return
		}
	}
}

// Close stops watching the file.
func (f *FileChecker) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.watcher.Close()
		f.wg.Wait()
	})
	return err
}
