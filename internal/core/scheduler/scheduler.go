// Package scheduler decides what a sync pass is allowed to do: which
// collections it covers and in what order, the batch size, whether payloads
// travel delta-only or compressed, and when the next pass runs. Decisions
// come from the connection's quality bucket and the upserted priority rules.
package scheduler

import (
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/core/connection"
	"github.com/fieldsync/fieldsync/pkg/sequence"
)

// Priority orders collections for sync. Critical syncs first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Rule assigns a collection its sync priority. Order breaks ties between
// collections sharing a priority, ascending.
type Rule struct {
	Collection string   `json:"collection"`
	Priority   Priority `json:"priority"`
	Order      int      `json:"order"`
}

// Profile is the read-only bandwidth configuration for one quality bucket.
type Profile struct {
	ConnectionType connection.Quality `json:"connection_type"`
	MaxBatchSize   int                `json:"max_batch_size"`
	Compression    bool               `json:"compression_enabled"`
	DeltaOnly      bool               `json:"delta_only"`
	SyncInterval   time.Duration      `json:"sync_interval"`
	MaxRetries     int                `json:"max_retries"`
	// MinPriority defers lower-priority collections entirely on this link.
	MinPriority Priority `json:"min_priority"`
}

// Plan is the outcome of one scheduling decision.
type Plan struct {
	Collections  []string
	BatchSize    int
	DeltaOnly    bool
	Compression  bool
	NextInterval time.Duration
	MaxRetries   int
	Quality      connection.Quality
}

// Empty reports whether the plan schedules no network work.
func (p Plan) Empty() bool {
	return len(p.Collections) == 0
}

// DefaultProfiles covers every quality bucket. The offline profile exists so
// lookups always succeed; it never schedules work.
func DefaultProfiles() []Profile {
	return []Profile{
		{ConnectionType: connection.QualityWifi, MaxBatchSize: 500, Compression: false, DeltaOnly: false, SyncInterval: 30 * time.Second, MaxRetries: 4, MinPriority: PriorityLow},
		{ConnectionType: connection.Quality4G, MaxBatchSize: 200, Compression: true, DeltaOnly: false, SyncInterval: time.Minute, MaxRetries: 4, MinPriority: PriorityLow},
		{ConnectionType: connection.Quality3G, MaxBatchSize: 50, Compression: true, DeltaOnly: true, SyncInterval: 2 * time.Minute, MaxRetries: 4, MinPriority: PriorityNormal},
		{ConnectionType: connection.Quality2G, MaxBatchSize: 10, Compression: true, DeltaOnly: true, SyncInterval: 5 * time.Minute, MaxRetries: 6, MinPriority: PriorityHigh},
		{ConnectionType: connection.QualityOffline, MaxBatchSize: 0, SyncInterval: 5 * time.Minute, MaxRetries: 4, MinPriority: PriorityCritical},
	}
}

// Scheduler holds rules and profiles and produces plans. Rules and profiles
// are upsertable at runtime; a profile is only read at plan time, never
// mutated during a session.
type Scheduler struct {
	mu       sync.RWMutex
	rules    map[string]Rule
	profiles map[connection.Quality]Profile
}

func New(profiles []Profile) *Scheduler {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	s := &Scheduler{
		rules:    make(map[string]Rule),
		profiles: make(map[connection.Quality]Profile),
	}
	for _, p := range profiles {
		s.profiles[p.ConnectionType] = p
	}
	return s
}

// UpsertRule adds or replaces the priority rule for a collection.
func (s *Scheduler) UpsertRule(rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.Collection] = rule
}

// UpsertProfile adds or replaces a bandwidth profile.
func (s *Scheduler) UpsertProfile(profile Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ConnectionType] = profile
}

// Rules returns the current rules sorted the way a plan would order them.
func (s *Scheduler) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sequence.FromMap(s.rules).Sort(ruleLess).Collect()
}

// Profile returns the profile for a quality bucket.
func (s *Scheduler) Profile(quality connection.Quality) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[quality]
	return p, ok
}

// Plan computes the sync plan for the given connection quality. Offline
// yields an empty plan: no network operation is attempted and callers queue
// changes locally instead.
func (s *Scheduler) Plan(quality connection.Quality) Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[quality]
	if !ok || quality == connection.QualityOffline {
		return Plan{Quality: connection.QualityOffline, NextInterval: s.offlineInterval()}
	}

	pq := sequence.NewPriorityQueue[Rule](ruleLess)
	for _, rule := range s.rules {
		if rule.Priority.rank() < profile.MinPriority.rank() {
			continue
		}
		pq.Enqueue(rule)
	}

	collections := make([]string, 0, pq.Len())
	for {
		rule, ok := pq.Dequeue()
		if !ok {
			break
		}
		collections = append(collections, rule.Collection)
	}

	return Plan{
		Collections:  collections,
		BatchSize:    profile.MaxBatchSize,
		DeltaOnly:    profile.DeltaOnly,
		Compression:  profile.Compression,
		NextInterval: profile.SyncInterval,
		MaxRetries:   profile.MaxRetries,
		Quality:      quality,
	}
}

func (s *Scheduler) offlineInterval() time.Duration {
	if p, ok := s.profiles[connection.QualityOffline]; ok && p.SyncInterval > 0 {
		return p.SyncInterval
	}
	return 5 * time.Minute
}

// ruleLess orders by priority rank descending, then Order ascending.
func ruleLess(a, b Rule) bool {
	if a.Priority.rank() != b.Priority.rank() {
		return a.Priority.rank() > b.Priority.rank()
	}
	return a.Order < b.Order
}
