// Package artifact implements the artifact and cache store: immutable,
// expiring file sets keyed by (job, ref, commit sha), produced by jobs and
// consumed by dependents or cross-pipeline pollers.
package artifact

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/internal/pipeline"
)

// ErrNotFound is returned when no stored artifact matches a key.
var ErrNotFound = errors.New("artifact not found")

// ErrAlreadyStored is returned on a second Put for the same key. Artifacts
// are immutable once written.
var ErrAlreadyStored = errors.New("artifact already stored")

// Key addresses one stored artifact.
type Key struct {
	Job string `json:"job"`
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s/%s", k.Job, k.Ref, k.SHA)
}

// Stored is an immutable, expiring file set. Callers receive copies whose
// file contents must be treated as read-only.
type Stored struct {
	Key       Key               `json:"key"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Files     map[string][]byte `json:"-"`
}

// Expired reports whether the artifact is past its expiry at the given time.
func (a *Stored) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Size returns the total byte size of all files.
func (a *Stored) Size() int64 {
	var n int64
	for _, data := range a.Files {
		n += int64(len(data))
	}
	return n
}

// Store holds artifacts in memory. Entries are never mutated after insertion,
// so readers and writers on disjoint keys proceed without shared locking.
// Writes to the same key race through an atomic first-writer-wins insert and
// the second writer fails; deletion during an expiry sweep is atomic per key,
// so readers never observe a partially-deleted artifact.
type Store struct {
	entries sync.Map // Key -> *Stored

	// onExpire, if set, observes the number of artifacts removed per sweep.
	onExpire func(removed int)

	// onPut, if set, observes every successful store. Used to keep an
	// external index current.
	onPut func(stored *Stored)
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// SetExpireHook registers a callback invoked after each sweep that removed
// at least one artifact. Used to feed metrics. Register hooks during wiring,
// before the store sees traffic.
func (s *Store) SetExpireHook(fn func(removed int)) {
	s.onExpire = fn
}

// SetPutHook registers a callback invoked after each successful Put with a
// read-only view of the stored artifact. Register hooks during wiring,
// before the store sees traffic.
func (s *Store) SetPutHook(fn func(stored *Stored)) {
	s.onPut = fn
}

// Put stores the file set for key. Ownership of files transfers to the
// store; the caller must not mutate it afterwards. Writing a key that
// already exists fails with ErrAlreadyStored.
func (s *Store) Put(key Key, files map[string][]byte, policy pipeline.ArtifactPolicy, now time.Time) (*Stored, error) {
	retention := policy.Retention
	if retention <= 0 {
		return nil, fmt.Errorf("put %s: non-positive retention", key)
	}

	stored := &Stored{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(retention),
		Files:     files,
	}
	if _, loaded := s.entries.LoadOrStore(key, stored); loaded {
		return nil, fmt.Errorf("put %s: %w", key, ErrAlreadyStored)
	}
	if s.onPut != nil {
		s.onPut(view(stored))
	}
	return view(stored), nil
}

// Get returns a read-only view of the artifact at key, or ErrNotFound.
func (s *Store) Get(key Key) (*Stored, error) {
	v, ok := s.entries.Load(key)
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return view(v.(*Stored)), nil
}

// ResolveLatest returns the most recent non-expired artifact produced by job
// for ref. When a floating ref has artifacts for several commits, the latest
// CreatedAt wins.
func (s *Store) ResolveLatest(job, ref string, now time.Time) (*Stored, error) {
	var best *Stored
	s.entries.Range(func(k, v any) bool {
		key, stored := k.(Key), v.(*Stored)
		if key.Job != job || key.Ref != ref || stored.Expired(now) {
			return true
		}
		if best == nil || stored.CreatedAt.After(best.CreatedAt) {
			best = stored
		}
		return true
	})
	if best == nil {
		return nil, fmt.Errorf("resolve %s@%s: %w", job, ref, ErrNotFound)
	}
	return view(best), nil
}

// Expire removes every artifact whose expiry has passed and returns how many
// were removed. Safe to run concurrently with Get and Put; an entry inserted
// during the sweep is only removed if it is already expired.
func (s *Store) Expire(now time.Time) int {
	removed := 0
	s.entries.Range(func(k, v any) bool {
		if v.(*Stored).Expired(now) && s.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})

	if removed > 0 && s.onExpire != nil {
		s.onExpire(removed)
	}
	return removed
}

// List returns metadata for all stored artifacts, newest first.
func (s *Store) List() []Stored {
	var out []Stored
	s.entries.Range(func(_, v any) bool {
		stored := v.(*Stored)
		out = append(out, Stored{
			Key:       stored.Key,
			CreatedAt: stored.CreatedAt,
			ExpiresAt: stored.ExpiresAt,
			Files:     stored.Files,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// view builds a consumer copy: a fresh Stored and file map. Blob contents
// are shared and must be treated as read-only by consumers.
func view(stored *Stored) *Stored {
	files := make(map[string][]byte, len(stored.Files))
	for name, data := range stored.Files {
		files[name] = data
	}
	return &Stored{
		Key:       stored.Key,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
		Files:     files,
	}
}
