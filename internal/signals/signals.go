// Package signals implements file-based control signals. A signal is a file
// dropped into the signals directory; the watcher handles it and removes it.
package signals

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/colony/internal/logging"
)

// Kind identifies a control signal.
type Kind string

const (
	KindCancel     Kind = "cancel"
	KindDeactivate Kind = "deactivate"
	KindShutdown   Kind = "shutdown"
)

// Signal is one parsed signal file.
type Signal struct {
	Kind   Kind
	Target string // plan id for cancel, project id for deactivate
}

// FileName returns the file name that requests s.
func (s Signal) FileName() string {
	if s.Kind == KindShutdown {
		return string(KindShutdown)
	}
	return string(s.Kind) + "-" + s.Target
}

// Parse maps a signal file name to a Signal.
func Parse(name string) (Signal, bool) {
	name = filepath.Base(name)
	if name == string(KindShutdown) {
		return Signal{Kind: KindShutdown}, true
	}
	for _, k := range []Kind{KindCancel, KindDeactivate} {
		prefix := string(k) + "-"
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return Signal{Kind: k, Target: name[len(prefix):]}, true
		}
	}
	return Signal{}, false
}

// Handler reacts to a signal. Returned errors are logged; the file is
// removed either way.
type Handler func(Signal) error

// Send drops a signal file into dir.
func Send(dir string, s Signal) error {
	if s.Kind != KindShutdown && s.Target == "" {
		return fmt.Errorf("signal %s needs a target", s.Kind)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, s.FileName())
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Watcher watches a signals directory.
type Watcher struct {
	dir     string
	handler Handler
	logger  *logging.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewWatcher creates the directory and starts watching it. When fsnotify is
// unavailable the watcher still works through Check.
func NewWatcher(dir string, handler Handler, logger *logging.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("signals: nil handler")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	w := &Watcher{
		dir:     dir,
		handler: handler,
		logger:  logger.Named("signals"),
		done:    make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warnf("fsnotify unavailable, polling only: %v", err)
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		w.logger.Warnf("watch %s failed, polling only: %v", dir, err)
		return w, nil
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop()

	// Signals written before we started watching.
	w.Check()
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handle(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("watch error: %v", err)
		}
	}
}

// Check scans the directory and handles every signal file present. It
// returns the number of signals handled.
func (w *Watcher) Check() int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	handled := 0
	for _, name := range names {
		if w.handle(filepath.Join(w.dir, name)) {
			handled++
		}
	}
	return handled
}

// handle runs the handler for one signal file. Removal decides ownership, so
// a file seen by both the watcher and Check is handled once.
func (w *Watcher) handle(path string) bool {
	sig, ok := Parse(path)
	if !ok {
		return false
	}

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return false
	}
	if err := os.Remove(path); err != nil {
		return false
	}

	w.logger.Infof("signal %s %s", sig.Kind, sig.Target)
	if err := w.handler(sig); err != nil {
		w.logger.Warnf("signal %s %s: %v", sig.Kind, sig.Target, err)
	}
	return true
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	fw := w.watcher
	w.mu.Unlock()

	var err error
	if fw != nil {
		err = fw.Close()
	}
	w.wg.Wait()
	return err
}
