// Package registry implements the daemon's name/id-indexed session
// store with reap-on-exit.
package registry

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ianremillard/sesh/internal/sesherr"
	"github.com/ianremillard/sesh/internal/session"
)

// Registry holds every live session, indexed by both name and id.
type Registry struct {
	runtimeDir string

	mu      sync.Mutex
	byName  map[string]*session.Session
	byID    map[int]*session.Session
	nextID  int
	watcher *fsnotify.Watcher // nil if the watch could not be installed

	// onRemove, if set, is invoked (outside the lock) for every session
	// removed from the registry, with the reason it left. The daemon
	// uses this to drive roster and history persistence.
	onRemove func(s *session.Session, reason RemoveReason)
}

// RemoveReason distinguishes why a session left the registry, so
// persistence hooks can decide whether it belongs in history.
type RemoveReason int

const (
	// RemoveKilled means an explicit KillSession RPC or shutdown removed it.
	RemoveKilled RemoveReason = iota
	// RemoveExited means reap() found the child had already exited.
	RemoveExited
)

// New creates an empty Registry watching runtimeDir for externally
// deleted session sockets (fsnotify.Watcher installed once here). A
// failure to install the watcher is logged and non-fatal: reap() then
// relies solely on SIGCHLD-driven waitpid probing.
func New(runtimeDir string) *Registry {
	r := &Registry{
		runtimeDir: runtimeDir,
		byName:     make(map[string]*session.Session),
		byID:       make(map[int]*session.Session),
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("registry: fsnotify unavailable, falling back to SIGCHLD-only reap: %v", err)
		return r
	}
	if err := w.Add(runtimeDir); err != nil {
		log.Printf("registry: could not watch %s: %v", runtimeDir, err)
		w.Close()
		return r
	}
	r.watcher = w
	go r.watchRemovals()
	return r
}

// OnRemove registers the callback invoked after every removal.
func (r *Registry) OnRemove(fn func(s *session.Session, reason RemoveReason)) {
	r.mu.Lock()
	r.onRemove = fn
	r.mu.Unlock()
}

// watchRemovals runs an immediate reap probe when a session's socket
// file disappears out from under it, e.g. an operator
// manually removing a stale .sock, rather than waiting for the next
// SIGCHLD-driven reap.
func (r *Registry) watchRemovals() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.reapOne(ev.Name)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("registry: fsnotify error: %v", err)
		}
	}
}

func (r *Registry) reapOne(socketPath string) {
	r.mu.Lock()
	var victim *session.Session
	for _, s := range r.byID {
		if s.SocketPath == socketPath {
			victim = s
			break
		}
	}
	r.mu.Unlock()
	if victim == nil {
		return
	}
	// The socket is already gone; a normal waitpid probe decides the
	// cause. This only shortens the window until the next SIGCHLD.
	r.Reap()
}

// basename reduces a requested name to its last path component, with any
// remaining separators flattened to underscores.
func basename(n string) string {
	n = filepath.Base(n)
	return strings.ReplaceAll(n, "/", "_")
}

// Insert allocates a unique name derived from requested (basename
// reduction plus -0, -1, … suffixing on collision) and a monotonic id,
// calls build with them, stores the session it returns under both, and
// returns that session (which carries the assigned name and id).
func (r *Registry) Insert(requested string, build func(name string, id int) (*session.Session, error)) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := r.uniqueNameLocked(basename(requested))
	id := r.nextID
	r.nextID++

	s, err := build(name, id)
	if err != nil {
		return nil, err
	}
	r.byName[name] = s
	r.byID[id] = s
	return s, nil
}

// uniqueNameLocked must be called with r.mu held.
func (r *Registry) uniqueNameLocked(base string) string {
	if _, taken := r.byName[base]; !taken {
		return base
	}
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, taken := r.byName[candidate]; !taken {
			return candidate
		}
	}
}

// Get returns the session named name, or nil.
func (r *Registry) Get(name string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// GetByID returns the session with id, or nil.
func (r *Registry) GetByID(id int) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// Contains reports whether name is registered.
func (r *Registry) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[name]
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// Iter returns a snapshot slice of every live session. The slice is a
// copy; callers may range over it without holding any lock.
func (r *Registry) Iter() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	return out
}

// Remove takes name out of both indexes and tears it down. It returns
// sesherr.ErrNotFound if name is not registered.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	s, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return sesherr.ErrNotFound
	}
	delete(r.byName, name)
	delete(r.byID, s.ID)
	cb := r.onRemove
	r.mu.Unlock()

	s.Close()
	if cb != nil {
		cb(s, RemoveKilled)
	}
	return nil
}

// Reap waitpid(WNOHANG)-probes every session's child and removes any
// that have exited. It returns true iff the registry is empty
// afterward, which the caller uses to drive exit-on-empty shutdown.
func (r *Registry) Reap() bool {
	r.mu.Lock()
	candidates := make([]*session.Session, 0, len(r.byName))
	for _, s := range r.byName {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	for _, s := range candidates {
		if !s.ChildExited() {
			continue
		}
		r.mu.Lock()
		if _, ok := r.byName[s.Name]; !ok {
			r.mu.Unlock()
			continue
		}
		delete(r.byName, s.Name)
		delete(r.byID, s.ID)
		cb := r.onRemove
		r.mu.Unlock()

		s.Close()
		if cb != nil {
			cb(s, RemoveExited)
		}
	}

	r.mu.Lock()
	empty := len(r.byName) == 0
	r.mu.Unlock()
	return empty
}

// Close stops the fsnotify watch, if one was installed. It does not
// touch any session; callers drain the registry with Remove/Reap first.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// RuntimeFile joins name onto the registry's runtime directory, the
// convention used to name every session's byte-relay socket.
func (r *Registry) RuntimeFile(name string) string {
	return filepath.Join(r.runtimeDir, name+".sock")
}
