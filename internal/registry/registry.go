// SPDX-License-Identifier: MIT

// Package registry holds the authoritative in-memory table of per-room state.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/roomsense/internal/policy"
)

// ErrNotFound is returned for room ids that were never configured.
var ErrNotFound = errors.New("room not found")

// WorkerRef is a weak back-reference to the worker currently bound to a room.
// Ownership of the worker stays with the supervisor; the registry only keeps
// it for status display.
type WorkerRef interface {
	State() string
	Err() error
}

// Snapshot is a point-in-time copy of a room record. Callers never receive
// live references into the registry.
type Snapshot struct {
	ID          string
	Occupied    bool
	Light       bool
	AC          bool
	PersonCount int
	LastUpdated time.Time
	Worker      WorkerRef
}

type record struct {
	mu sync.RWMutex

	id          string
	occupied    bool
	light       bool
	ac          bool
	personCount int
	lastUpdated time.Time
	worker      WorkerRef
	transient   bool // upload sessions are removable, configured rooms are not
}

func (r *record) snapshot() Snapshot {
	return Snapshot{
		ID:          r.id,
		Occupied:    r.occupied,
		Light:       r.light,
		AC:          r.ac,
		PersonCount: r.personCount,
		LastUpdated: r.lastUpdated,
		Worker:      r.worker,
	}
}

// Registry is safe for concurrent use from many workers. Records for
// independent rooms never contend: the outer map is read-locked only, each
// record carries its own lock.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*record
	order []string
}

// New creates a registry with one record per configured room id, in the
// given order. Records live for the process lifetime.
func New(roomIDs []string) *Registry {
	r := &Registry{rooms: make(map[string]*record, len(roomIDs))}
	for _, id := range roomIDs {
		if _, ok := r.rooms[id]; ok {
			continue
		}
		r.rooms[id] = &record{id: id}
		r.order = append(r.order, id)
	}
	return r
}

func (r *Registry) lookup(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return rec, nil
}

// Get returns a snapshot of the room with the given id.
func (r *Registry) Get(id string) (Snapshot, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.snapshot(), nil
}

// List returns snapshots of all configured rooms in configuration order.
// Transient session records are not listed.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		rec := r.rooms[id]
		rec.mu.RLock()
		out = append(out, rec.snapshot())
		rec.mu.RUnlock()
	}
	return out
}

// UpdateOccupancy atomically recomputes the derived occupancy fields from a
// fresh detection result and returns the committed snapshot.
func (r *Registry) UpdateOccupancy(id string, personCount int) (Snapshot, error) {
	if personCount < 0 {
		personCount = 0
	}
	rec, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	d := policy.Decide(personCount)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.personCount = personCount
	rec.occupied = d.Occupied
	rec.light = d.Light
	rec.ac = d.AC
	rec.lastUpdated = time.Now()
	return rec.snapshot(), nil
}

// SetWorkerRef binds or clears the weak worker reference for a room. Passing
// nil clears it; the last observed occupancy fields are left intact.
func (r *Registry) SetWorkerRef(id string, ref WorkerRef) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.worker = ref
	rec.mu.Unlock()
	return nil
}

// AddSession registers a transient record for an uploaded-file session.
// Unlike configured rooms a session record can be removed again.
func (r *Registry) AddSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[id]; ok {
		return fmt.Errorf("session %q already registered", id)
	}
	r.rooms[id] = &record{id: id, transient: true}
	return nil
}

// RemoveSession drops a transient session record. Removing a configured room
// is refused; removing an unknown id reports ErrNotFound.
func (r *Registry) RemoveSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rooms[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !rec.transient {
		return fmt.Errorf("room %q is not a session", id)
	}
	delete(r.rooms, id)
	return nil
}
