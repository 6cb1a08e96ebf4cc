package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResourceType partitions the state keyspace by owner concern.
type ResourceType string

const (
	ResourceState   ResourceType = "STATE"
	ResourceMonitor ResourceType = "MONITOR"
	ResourceContext ResourceType = "CONTEXT"
	ResourceCache   ResourceType = "CACHE"
	ResourceMetric  ResourceType = "METRIC"
)

// StateEntry is one immutable version of a key. Updates append a new version;
// nothing is ever rewritten in place.
type StateEntry struct {
	Key          string                 `json:"key"`
	Value        interface{}            `json:"value"`
	ResourceType ResourceType           `json:"resource_type"`
	Version      int64                  `json:"version"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type keyHistory struct {
	mu       sync.RWMutex
	versions []StateEntry
}

func (h *keyHistory) latest() (StateEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.versions) == 0 {
		return StateEntry{}, false
	}
	return h.versions[len(h.versions)-1], true
}

// StateStoreConfig holds configuration for the state store.
type StateStoreConfig struct {
	// HistoryLimit bounds retained versions per key; zero keeps everything.
	HistoryLimit int
	// MirrorRetries bounds retries of backing-store writes.
	MirrorRetries int
	// MirrorRetryDelay is the initial backoff between mirror retries.
	MirrorRetryDelay time.Duration
	Logger           Logger
}

// DefaultStateStoreConfig returns production-ready defaults.
func DefaultStateStoreConfig() StateStoreConfig {
	return StateStoreConfig{
		HistoryLimit:     0,
		MirrorRetries:    3,
		MirrorRetryDelay: 100 * time.Millisecond,
		Logger:           &NoOpLogger{},
	}
}

// StateStore is the process-wide versioned key/value store. Mutations are
// serialized per key; snapshots are a consistent point-in-time view taken
// under the store-wide lock. The event bus observes every write.
type StateStore struct {
	config  StateStoreConfig
	logger  Logger
	bus     *EventBus
	backing BackingStore

	// storeMu is held shared by per-key operations and exclusively by
	// snapshot, restore, and multi-key rollback. Per-key ordering comes from
	// the keyHistory mutex; membership from keysMu. Mirror writes and event
	// emission always run after storeMu is released, so backing-store
	// retries never stall a snapshot.
	storeMu sync.RWMutex
	keysMu  sync.Mutex
	keys    map[string]*keyHistory

	snapMu    sync.Mutex
	snapshots map[string]map[string][]StateEntry
}

// NewStateStore creates a state store. When backing is non-nil, prior entries
// are loaded from it before the store accepts traffic.
func NewStateStore(config StateStoreConfig, bus *EventBus, backing BackingStore) (*StateStore, error) {
	if config.Logger == nil {
		config.Logger = &NoOpLogger{}
	}
	if config.MirrorRetries <= 0 {
		config.MirrorRetries = 3
	}
	if config.MirrorRetryDelay <= 0 {
		config.MirrorRetryDelay = 100 * time.Millisecond
	}
	s := &StateStore{
		config:    config,
		logger:    config.Logger,
		bus:       bus,
		backing:   backing,
		keys:      make(map[string]*keyHistory),
		snapshots: make(map[string]map[string][]StateEntry),
	}
	if backing != nil {
		entries, err := backing.Load(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading backing store: %w", err)
		}
		for _, entry := range entries {
			h := s.historyFor(entry.Key)
			h.versions = append(h.versions, entry)
		}
		for _, h := range s.keys {
			sort.Slice(h.versions, func(i, j int) bool {
				return h.versions[i].Version < h.versions[j].Version
			})
		}
		s.logger.Info("State store warmed from backing store", map[string]interface{}{
			"operation": "state_store_cold_start",
			"entries":   len(entries),
		})
	}
	return s, nil
}

func (s *StateStore) historyFor(key string) *keyHistory {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	h, ok := s.keys[key]
	if !ok {
		h = &keyHistory{}
		s.keys[key] = h
	}
	return h
}

// SetState appends a new version for key and returns it. Every write emits
// STATE_CHANGED and is mirrored to the backing store when one is configured;
// both happen after the store lock is released.
func (s *StateStore) SetState(ctx context.Context, key string, value interface{}, resourceType ResourceType, metadata map[string]interface{}) (int64, error) {
	s.storeMu.RLock()
	entry, oldValue, err := s.appendLocked(key, value, resourceType, metadata, -1)
	s.storeMu.RUnlock()
	if err != nil {
		return 0, err
	}
	s.publish(ctx, entry, oldValue)
	return entry.Version, nil
}

// CompareAndSetState appends a new version only when the current version
// matches expectedVersion. A mismatch fails with ErrStateConflict; the caller
// retries with a fresh read.
func (s *StateStore) CompareAndSetState(ctx context.Context, key string, value interface{}, resourceType ResourceType, metadata map[string]interface{}, expectedVersion int64) (int64, error) {
	s.storeMu.RLock()
	entry, oldValue, err := s.appendLocked(key, value, resourceType, metadata, expectedVersion)
	s.storeMu.RUnlock()
	if err != nil {
		return 0, err
	}
	s.publish(ctx, entry, oldValue)
	return entry.Version, nil
}

// appendLocked appends a new version in memory. Must be called with storeMu
// held, shared or exclusive; it takes no other store-wide locks and never
// blocks on I/O.
func (s *StateStore) appendLocked(key string, value interface{}, resourceType ResourceType, metadata map[string]interface{}, expectedVersion int64) (StateEntry, interface{}, error) {
	h := s.historyFor(key)
	h.mu.Lock()

	var oldValue interface{}
	var version int64 = 1
	if n := len(h.versions); n > 0 {
		last := h.versions[n-1]
		oldValue = last.Value
		version = last.Version + 1
		if expectedVersion >= 0 && last.Version != expectedVersion {
			h.mu.Unlock()
			return StateEntry{}, nil, fmt.Errorf("key %q at version %d, expected %d: %w", key, last.Version, expectedVersion, ErrStateConflict)
		}
	} else if expectedVersion > 0 {
		h.mu.Unlock()
		return StateEntry{}, nil, fmt.Errorf("key %q has no versions, expected %d: %w", key, expectedVersion, ErrStateConflict)
	}

	entry := StateEntry{
		Key:          key,
		Value:        value,
		ResourceType: resourceType,
		Version:      version,
		Timestamp:    time.Now(),
		Metadata:     metadata,
	}
	h.versions = append(h.versions, entry)
	if s.config.HistoryLimit > 0 && len(h.versions) > s.config.HistoryLimit {
		h.versions = h.versions[len(h.versions)-s.config.HistoryLimit:]
	}
	h.mu.Unlock()
	return entry, oldValue, nil
}

// publish mirrors one appended entry and emits STATE_CHANGED. Runs outside
// storeMu.
func (s *StateStore) publish(ctx context.Context, entry StateEntry, oldValue interface{}) {
	s.mirror(ctx, entry)
	if s.bus != nil {
		//nolint:errcheck // state change events are best-effort
		s.bus.Emit(EventStateChanged, map[string]interface{}{
			"key":       entry.Key,
			"old_value": oldValue,
			"new_value": entry.Value,
			"version":   entry.Version,
		})
	}
}

// mirror writes the entry to the backing store with bounded retry. Mirror
// failures are logged and surfaced as RESOURCE_ERROR_OCCURRED; they do not
// fail the in-process write.
func (s *StateStore) mirror(ctx context.Context, entry StateEntry) {
	if s.backing == nil {
		return
	}
	delay := s.config.MirrorRetryDelay
	var err error
	for attempt := 1; attempt <= s.config.MirrorRetries; attempt++ {
		if err = s.backing.Save(ctx, entry); err == nil {
			return
		}
		if !IsRetryable(err) {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	s.logger.Error("Backing store mirror failed", map[string]interface{}{
		"operation": "state_store_mirror",
		"key":       entry.Key,
		"version":   entry.Version,
		"error":     err.Error(),
	})
	if s.bus != nil {
		//nolint:errcheck
		s.bus.Emit(EventResourceErrorOccurred, map[string]interface{}{
			"source": "state_store",
			"key":    entry.Key,
			"error":  err.Error(),
		})
	}
}

// GetState returns the newest value for key, or nil when absent.
func (s *StateStore) GetState(key string) (interface{}, bool) {
	entry, ok := s.GetEntry(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry returns the newest version entry for key.
func (s *StateStore) GetEntry(key string) (StateEntry, bool) {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()
	s.keysMu.Lock()
	h, ok := s.keys[key]
	s.keysMu.Unlock()
	if !ok {
		return StateEntry{}, false
	}
	return h.latest()
}

// GetStateHistory returns all retained versions of key in ascending version
// order. A positive limit returns the newest entries only.
func (s *StateStore) GetStateHistory(key string, limit int) []StateEntry {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()
	s.keysMu.Lock()
	h, ok := s.keys[key]
	s.keysMu.Unlock()
	if !ok {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	versions := make([]StateEntry, len(h.versions))
	copy(versions, h.versions)
	if limit > 0 && len(versions) > limit {
		versions = versions[len(versions)-limit:]
	}
	return versions
}

// GetStatesByPrefix returns the newest entry for every key sharing prefix.
func (s *StateStore) GetStatesByPrefix(prefix string) map[string]StateEntry {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()
	s.keysMu.Lock()
	matched := make([]*keyHistory, 0)
	names := make([]string, 0)
	for key, h := range s.keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, h)
			names = append(names, key)
		}
	}
	s.keysMu.Unlock()

	out := make(map[string]StateEntry, len(matched))
	for i, h := range matched {
		if entry, ok := h.latest(); ok {
			out[names[i]] = entry
		}
	}
	return out
}

// Snapshot captures a consistent point-in-time view of every key and returns
// a handle for later restoration.
func (s *StateStore) Snapshot() string {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	captured := make(map[string][]StateEntry, len(s.keys))
	for key, h := range s.keys {
		versions := make([]StateEntry, len(h.versions))
		copy(versions, h.versions)
		captured[key] = versions
	}

	handle := uuid.New().String()
	s.snapMu.Lock()
	s.snapshots[handle] = captured
	s.snapMu.Unlock()

	s.logger.Info("State snapshot captured", map[string]interface{}{
		"operation": "state_store_snapshot",
		"handle":    handle,
		"keys":      len(captured),
	})
	return handle
}

// Restore replaces the entire store contents with the snapshot identified by
// handle. Restore(Snapshot()) is the identity.
func (s *StateStore) Restore(handle string) error {
	s.snapMu.Lock()
	captured, ok := s.snapshots[handle]
	s.snapMu.Unlock()
	if !ok {
		return fmt.Errorf("handle %q: %w", handle, ErrSnapshotNotFound)
	}

	s.storeMu.Lock()
	s.keysMu.Lock()
	s.keys = make(map[string]*keyHistory, len(captured))
	for key, versions := range captured {
		dup := make([]StateEntry, len(versions))
		copy(dup, versions)
		s.keys[key] = &keyHistory{versions: dup}
	}
	s.keysMu.Unlock()
	s.storeMu.Unlock()

	if s.bus != nil {
		//nolint:errcheck
		s.bus.Emit(EventStateRestored, map[string]interface{}{
			"handle": handle,
			"keys":   len(captured),
			"scope":  "store",
		})
	}
	return nil
}

// RestoreEntries re-applies the captured values as new versions of their
// keys atomically with respect to snapshots. History stays append-only, so a
// rollback is visible in each key's version log. Keys present in the store
// but absent from entries are untouched.
func (s *StateStore) RestoreEntries(ctx context.Context, entries map[string]StateEntry) error {
	applied := make([]StateEntry, 0, len(entries))
	olds := make([]interface{}, 0, len(entries))
	s.storeMu.Lock()
	for key, entry := range entries {
		appended, oldValue, err := s.appendLocked(key, entry.Value, entry.ResourceType, entry.Metadata, -1)
		if err != nil {
			s.storeMu.Unlock()
			return err
		}
		applied = append(applied, appended)
		olds = append(olds, oldValue)
	}
	s.storeMu.Unlock()

	for i, entry := range applied {
		s.publish(ctx, entry, olds[i])
	}
	if s.bus != nil {
		//nolint:errcheck
		s.bus.Emit(EventStateRestored, map[string]interface{}{
			"keys":  len(entries),
			"scope": "keys",
		})
	}
	return nil
}

// DiscardSnapshot releases a retained snapshot. Unknown handles are a no-op.
func (s *StateStore) DiscardSnapshot(handle string) {
	s.snapMu.Lock()
	delete(s.snapshots, handle)
	s.snapMu.Unlock()
}
