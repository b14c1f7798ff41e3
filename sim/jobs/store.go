package jobs

import (
	"sync"
	"time"
)

// Store is the shared job registry and result cache. Every mutation —
// status transitions, cache lookups, TTL eviction — funnels through its one
// mutex, so concurrent status queries, the sweep, and the workers cannot
// lose updates to each other. Created at process start and handed to the
// queue explicitly: there is no package-level singleton.
type Store struct {
	mu            sync.Mutex
	jobs          map[string]*Job
	byFingerprint map[string]string // fingerprint -> job ID of the live job for that config
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		jobs:          make(map[string]*Job),
		byFingerprint: make(map[string]string),
	}
}

// lookupOrInsert returns the live job already covering a fingerprint, or
// registers the given job under it when none exists. Failed and cancelled
// jobs are not live: resubmitting their config re-executes. Lookup and
// insert happen under one lock acquisition, so two concurrent submits of
// the same config can never both miss the cache.
func (s *Store) lookupOrInsert(fp string, j *Job) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byFingerprint[fp]; ok {
		if live, exists := s.jobs[id]; exists && live.Status != StatusFailed && live.Status != StatusCancelled {
			return Handle{JobID: live.ID, Status: live.Status, Cached: true}, true
		}
	}
	s.jobs[j.ID] = j
	s.byFingerprint[fp] = j.ID
	return Handle{}, false
}

// withJob runs fn on the job under the store lock. fn's return value is
// passed through; ok is false when the job does not exist.
func (s *Store) withJob(id string, fn func(*Job) bool) (result, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, exists := s.jobs[id]
	if !exists {
		return false, false
	}
	return fn(j), true
}

// unlinkFingerprint drops the fingerprint mapping if it still points at the
// given job. Called when a job fails or is cancelled, so the next submit of
// the same config runs fresh.
func (s *Store) unlinkFingerprint(j *Job) {
	if s.byFingerprint[j.Fingerprint] == j.ID {
		delete(s.byFingerprint, j.Fingerprint)
	}
}

// snapshot returns a copy of the job's externally visible state.
func (s *Store) snapshot(id string) (StatusSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return StatusSnapshot{}, false
	}
	return j.snapshot(), true
}

// sweep evicts jobs whose TTL elapsed since completion, freeing their cached
// results and metadata. Returns the evicted job IDs.
func (s *Store) sweep(now time.Time, ttl time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, j := range s.jobs {
		if !j.Status.Terminal() || j.CompletedAt.IsZero() {
			continue
		}
		if now.Sub(j.CompletedAt) < ttl {
			continue
		}
		s.unlinkFingerprint(j)
		delete(s.jobs, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// stats counts the population by state. CacheSize is the number of
// completed jobs whose results are still held.
func (s *Store) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{TotalJobs: len(s.jobs)}
	for _, j := range s.jobs {
		switch j.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
			st.CacheSize++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}
