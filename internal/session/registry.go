package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

var ErrNotFound = errors.New("session not found")

// Info is the registry's view of one relay session.
type Info struct {
	ID             string    `json:"session_id"`
	RemoteAddr     string    `json:"remote_addr"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	info   *Info
	closer func()
}

// Registry tracks active relay sessions so process shutdown and the
// inactivity janitor can tear them down.
type Registry struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	inactivityTimeout time.Duration
	onClose           func(*Info)
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		entries:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetCloseHook installs a callback invoked after a session is removed or
// expired, outside the registry lock.
func (r *Registry) SetCloseHook(hook func(*Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = hook
}

// Register records a new session and its teardown func; closer must be
// idempotent since shutdown and the janitor may race the owning handler.
// An empty id gets a fresh one assigned.
func (r *Registry) Register(id, remoteAddr string, closer func()) *Info {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	info := &Info{
		ID:             id,
		RemoteAddr:     remoteAddr,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[info.ID] = &entry{info: info, closer: closer}
	return clone(info)
}

func (r *Registry) Get(id string) (*Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.info), nil
}

func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.info.LastActivityAt = time.Now().UTC()
	return nil
}

// Remove drops a session from the registry once its handler has finished.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		e.info.Status = StatusClosed
		delete(r.entries, id)
	}
	hook := r.onClose
	r.mu.Unlock()

	if ok && hook != nil {
		hook(clone(e.info))
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll tears down every active session; used on process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	closers := make([]func(), 0, len(r.entries))
	for _, e := range r.entries {
		if e.closer != nil {
			closers = append(closers, e.closer)
		}
	}
	r.mu.Unlock()

	for _, c := range closers {
		c()
	}
}

// StartJanitor closes sessions idle past the inactivity timeout.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.closeInactive()
			}
		}
	}()
}

func (r *Registry) closeInactive() {
	now := time.Now().UTC()

	r.mu.Lock()
	var stale []func()
	for _, e := range r.entries {
		if now.Sub(e.info.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		if e.closer != nil {
			stale = append(stale, e.closer)
		}
	}
	r.mu.Unlock()

	// The closer unwinds the owning handler, which removes the entry.
	for _, c := range stale {
		c()
	}
}

func clone(i *Info) *Info {
	c := *i
	return &c
}
