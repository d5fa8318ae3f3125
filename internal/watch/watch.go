// Package watch rebuilds source files when they change on disk.
package watch

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op indicates a change operation in the filesystem.
type Op uint32

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

func (op Op) String() string {
	var parts []string
	for _, f := range []struct {
		op   Op
		name string
	}{{OpCreate, "create"}, {OpWrite, "write"}, {OpRemove, "remove"}, {OpRename, "rename"}, {OpChmod, "chmod"}} {
		if op&f.op != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Event is one change notification.
type Event struct {
	Path string
	Op   Op
}

// Watcher translates fsnotify notifications into Events.
type Watcher struct {
	w    *fsnotify.Watcher
	evC  chan Event
	erC  chan error
	done chan struct{}
}

// New creates a Watcher backed by OS-native notifications.
func New() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &Watcher{w: w, evC: make(chan Event, 128), erC: make(chan error, 1), done: make(chan struct{})}
	go fw.loop()
	return fw, nil
}

func translate(o fsnotify.Op) Op {
	var op Op
	if o&fsnotify.Create != 0 {
		op |= OpCreate
	}
	if o&fsnotify.Write != 0 {
		op |= OpWrite
	}
	if o&fsnotify.Remove != 0 {
		op |= OpRemove
	}
	if o&fsnotify.Rename != 0 {
		op |= OpRename
	}
	if o&fsnotify.Chmod != 0 {
		op |= OpChmod
	}
	return op
}

func (fw *Watcher) loop() {
	defer close(fw.evC)
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			select {
			case fw.evC <- Event{Path: ev.Name, Op: translate(ev.Op)}:
			case <-fw.done:
				return
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			select {
			case fw.erC <- err:
			default:
			}
		case <-fw.done:
			return
		}
	}
}

func (fw *Watcher) Events() <-chan Event  { return fw.evC }
func (fw *Watcher) Errors() <-chan error  { return fw.erC }
func (fw *Watcher) Add(name string) error { return fw.w.Add(name) }

func (fw *Watcher) Close() error {
	close(fw.done)
	return fw.w.Close()
}

// Run calls rebuild with the changed files among paths once no further
// change has arrived for debounce, until ctx is cancelled. The directories
// holding paths are watched so editors that save by rename are seen.
func Run(ctx context.Context, paths []string, debounce time.Duration, rebuild func(changed []string)) error {
	fw, err := New()
	if err != nil {
		return err
	}
	defer fw.Close()

	want := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		want[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			return err
		}
	}

	pending := make(map[string]bool)
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fw.Errors():
			return err
		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}
			if ev.Op&(OpCreate|OpWrite|OpRename) == 0 {
				continue
			}
			abs, err := filepath.Abs(ev.Path)
			if err != nil || !want[abs] {
				continue
			}
			pending[abs] = true
			timer.Reset(debounce)
		case <-timer.C:
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = make(map[string]bool)
			if len(changed) > 0 {
				rebuild(changed)
			}
		}
	}
}
