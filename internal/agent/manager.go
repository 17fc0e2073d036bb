package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lovediary/agent-service/internal/model"
	registrycache "github.com/lovediary/agent-service/internal/registry/cache"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
	registrytrait "github.com/lovediary/agent-service/internal/registry/trait"
	"github.com/lovediary/agent-service/internal/security"
)

// residency is the explicit state of a key in the working-set index. Sweep
// and capacity eviction skip keys that are mid-transition instead of racing
// them.
type residency int

const (
	residencyLoading residency = iota
	residencyResident
	residencyHibernating
)

// slot is one working-set index entry.
type slot struct {
	state residency
	// ready is closed when a loading or hibernating transition settles.
	// Concurrent acquirers for the same key wait on it instead of racing
	// duplicate loads.
	ready chan struct{}
	sess  *Session
}

// ManagerOptions tunes the working set.
type ManagerOptions struct {
	// MaxActive bounds the number of resident sessions.
	MaxActive int
	// IdleTimeout is how long a session may sit untouched before the idle
	// sweep hibernates it.
	IdleTimeout time.Duration
	// AcquireTimeout bounds how long an acquire waits for capacity before
	// failing with ErrCapacityExhausted. Zero means wait forever.
	AcquireTimeout time.Duration
	// FlushSync flushes dirty sessions synchronously on release. When false,
	// the background flusher bounds the staleness window instead.
	FlushSync bool
}

// Manager owns the working set of sessions: get-or-load, capacity-bounded
// eviction, idle sweeps, and the persistence hand-off on hibernate/restore.
type Manager struct {
	store      registrystore.AgentStore
	traits     registrytrait.Source
	traitCache registrycache.TraitCache
	opts       ManagerOptions

	mu    sync.Mutex
	slots map[Key]*slot
	// space is closed and replaced whenever occupancy may have dropped or a
	// busy session became evictable; capacity waiters block on it.
	space chan struct{}
}

// NewManager creates a lifecycle manager.
func NewManager(store registrystore.AgentStore, traits registrytrait.Source, traitCache registrycache.TraitCache, opts ManagerOptions) *Manager {
	if opts.MaxActive <= 0 {
		opts.MaxActive = 50
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Hour
	}
	return &Manager{
		store:      store,
		traits:     traits,
		traitCache: traitCache,
		opts:       opts,
		slots:      make(map[Key]*slot),
		space:      make(chan struct{}),
	}
}

// notifySpaceLocked wakes all capacity waiters. Caller holds m.mu.
func (m *Manager) notifySpaceLocked() {
	close(m.space)
	m.space = make(chan struct{})
}

// Acquire returns the resident session for the key with its per-key lock
// held, loading it from the store if absent, or constructing an
// uninitialized session if no durable row exists. Exactly one load runs per
// key regardless of concurrent callers. The caller must pair every
// successful Acquire with a Release.
func (m *Manager) Acquire(ctx context.Context, key Key) (*Session, error) {
	return m.admit(ctx, key, func(ctx context.Context) (*Session, error) {
		return m.load(ctx, key)
	})
}

// Create constructs a brand-new agent for a key with no prior state: fetches
// the character's trait snapshot, persists the initial row, and admits the
// session resident with its per-key lock held. Fails with ErrAlreadyExists
// if durable state already exists.
func (m *Manager) Create(ctx context.Context, key Key, info model.PlayerInfo) (*Session, error) {
	exists, err := m.store.AgentExists(ctx, key.CharacterID, key.PlayerAddress)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyExists
	}

	sheet, err := m.characterSheet(ctx, key.CharacterID)
	if err != nil {
		return nil, err
	}

	sess, err := m.admit(ctx, key, func(ctx context.Context) (*Session, error) {
		now := time.Now()
		s := &Session{
			Key:          key,
			PlayerInfo:   info,
			CharacterNFT: *sheet,
			CreatedAt:    now,
			TodayDate:    PlayerDate(now, info.Timezone),
			initialized:  true,
		}
		s.Touch(now)
		if err := m.store.SaveAgentState(ctx, s.snapshotState(false)); err != nil {
			return nil, err
		}
		log.Info("Agent created", "key", key.String(), "character", sheet.Name)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if !sess.Initialized() {
		// A concurrent Acquire admitted an uninitialized placeholder between
		// our existence check and admission; the pair genuinely has no state,
		// so this create lost no data. Surface the conflict.
		m.Release(ctx, sess)
		return nil, ErrAlreadyExists
	}
	return sess, nil
}

// admit finds or creates the slot for a key, running loadFn at most once per
// absence, and returns the session with its per-key lock held.
func (m *Manager) admit(ctx context.Context, key Key, loadFn func(context.Context) (*Session, error)) (*Session, error) {
	var capacityDeadline <-chan time.Time
	if m.opts.AcquireTimeout > 0 {
		timer := time.NewTimer(m.opts.AcquireTimeout)
		defer timer.Stop()
		capacityDeadline = timer.C
	}

	for {
		m.mu.Lock()
		if sl, ok := m.slots[key]; ok {
			if sl.state == residencyResident {
				sess := sl.sess
				m.mu.Unlock()
				sess.mu.Lock()
				// The session may have been hibernated while we waited for
				// its lock; re-validate under the index lock.
				m.mu.Lock()
				cur, ok := m.slots[key]
				valid := ok && cur == sl && sl.state == residencyResident
				m.mu.Unlock()
				if !valid {
					sess.mu.Unlock()
					continue
				}
				sess.WokeFromHibernation = false
				sess.Touch(time.Now())
				return sess, nil
			}
			// Mid-transition: wait for the load or hibernate to settle.
			ready := sl.ready
			m.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Absent. Make room before admitting.
		if len(m.slots) >= m.opts.MaxActive {
			evicted, waitCh := m.evictOneForSpace(ctx)
			if evicted {
				continue
			}
			// Every resident session is mid-request; queue until one becomes
			// evictable. This is deliberate backpressure, not a failure.
			select {
			case <-waitCh:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-capacityDeadline:
				return nil, ErrCapacityExhausted
			}
		}

		sl := &slot{state: residencyLoading, ready: make(chan struct{})}
		m.slots[key] = sl
		m.mu.Unlock()

		sess, err := loadFn(ctx)
		if err != nil {
			m.mu.Lock()
			delete(m.slots, key)
			close(sl.ready)
			m.notifySpaceLocked()
			m.mu.Unlock()
			return nil, err
		}

		// Hand the per-key lock to this caller before publishing residency;
		// concurrent acquirers then block on the session lock, not on a race.
		sess.mu.Lock()
		m.mu.Lock()
		sl.state = residencyResident
		sl.sess = sess
		close(sl.ready)
		security.ResidentSessions.Set(float64(m.residentCountLocked()))
		m.mu.Unlock()
		return sess, nil
	}
}

// load fetches the durable row for a key, restoring the today buffer from
// the hibernate snapshot, or constructs an uninitialized session when no row
// exists.
func (m *Manager) load(ctx context.Context, key Key) (*Session, error) {
	now := time.Now()
	state, err := m.store.LoadAgentState(ctx, key.CharacterID, key.PlayerAddress)
	if err != nil {
		if registrystore.IsNotFound(err) {
			return newUninitializedSession(key, now), nil
		}
		return nil, err
	}

	sess := restoreSession(key, state, now)
	security.SessionLoads.Inc()

	// The snapshot is redundant once the session is live; clear it so it can
	// never be applied twice. Resident flushes also null it, so a failure
	// here only matters until the first flush.
	if err := m.store.ClearHibernation(ctx, key.CharacterID, key.PlayerAddress); err != nil {
		log.Warn("Clearing hibernate snapshot failed", "key", key.String(), "err", err)
	}

	hibernatedFor := time.Duration(0)
	if state.HibernatedAt != nil {
		hibernatedFor = now.Sub(*state.HibernatedAt).Round(time.Second)
	}
	log.Info("Agent woken", "key", key.String(),
		"hibernatedFor", hibernatedFor, "totalMessages", sess.TotalMessages)
	return sess, nil
}

// Release ends a unit of work: flushes the session when dirty (synchronous
// policy), drops never-initialized placeholders, and unlocks the per-key
// lock. A failed flush keeps the session resident and dirty; it is retried
// on the next flush opportunity and the session stays ineligible for
// eviction until a flush succeeds.
func (m *Manager) Release(ctx context.Context, sess *Session) {
	if !sess.Initialized() {
		// Nothing durable behind it and nothing worth persisting.
		m.mu.Lock()
		if sl, ok := m.slots[sess.Key]; ok && sl.sess == sess {
			delete(m.slots, sess.Key)
			security.ResidentSessions.Set(float64(m.residentCountLocked()))
		}
		m.notifySpaceLocked()
		m.mu.Unlock()
		sess.mu.Unlock()
		return
	}

	if sess.Dirty() && m.opts.FlushSync {
		if err := m.flushLocked(ctx, sess); err != nil {
			log.Error("Flush on release failed; session stays resident and dirty",
				"key", sess.Key.String(), "err", err)
		}
	}
	sess.mu.Unlock()

	// The session's lock is free again, so it became evictable.
	m.mu.Lock()
	m.notifySpaceLocked()
	m.mu.Unlock()
}

// flushLocked persists all mutable fields of a resident session. Caller
// holds the per-key lock.
func (m *Manager) flushLocked(ctx context.Context, sess *Session) error {
	if err := m.store.SaveAgentState(ctx, sess.snapshotState(false)); err != nil {
		return err
	}
	sess.markClean()
	return nil
}

// FlushDirty flushes every dirty session whose per-key lock is free. Used by
// the background flusher in write-behind mode to bound the staleness window.
func (m *Manager) FlushDirty(ctx context.Context) {
	for _, sess := range m.residentSessions() {
		if !sess.mu.TryLock() {
			continue
		}
		if sess.Initialized() && sess.Dirty() {
			if err := m.flushLocked(ctx, sess); err != nil {
				log.Error("Background flush failed", "key", sess.Key.String(), "err", err)
			}
		}
		sess.mu.Unlock()
	}
}

// evictOneForSpace tries to hibernate the least-recently-active evictable
// session. Returns evicted=true when one was removed. When nothing is
// evictable it returns the current space channel so the caller can wait.
func (m *Manager) evictOneForSpace(ctx context.Context) (bool, <-chan struct{}) {
	// m.mu is held by the caller.
	tried := make(map[Key]bool)
	for {
		victim := m.pickVictimLocked(tried)
		if victim == nil {
			waitCh := m.space
			m.mu.Unlock()
			return false, waitCh
		}
		key := victim.sess.Key
		tried[key] = true

		victim.state = residencyHibernating
		victim.ready = make(chan struct{})
		m.mu.Unlock()

		if m.hibernate(ctx, victim, "capacity") {
			return true, nil
		}
		m.mu.Lock()
	}
}

// pickVictimLocked selects the least-recently-active resident session whose
// per-key lock can be taken, tie-broken by smallest key. The victim's lock
// is held on return. Caller holds m.mu.
func (m *Manager) pickVictimLocked(exclude map[Key]bool) *slot {
	var best *slot
	var bestActivity time.Time
	for key, sl := range m.slots {
		if sl.state != residencyResident || exclude[key] {
			continue
		}
		at := sl.sess.LastActivity()
		if best == nil || at.Before(bestActivity) ||
			(at.Equal(bestActivity) && key.less(best.sess.Key)) {
			best, bestActivity = sl, at
		}
	}
	if best == nil {
		return nil
	}
	if !best.sess.mu.TryLock() {
		// Mid-request; exclude and look again.
		exclude[best.sess.Key] = true
		return m.pickVictimLocked(exclude)
	}
	return best
}

// hibernate flushes a session with its snapshot and removes it from the
// working set. The caller holds the per-key lock and has marked the slot
// hibernating; hibernate releases the lock and settles the slot either way.
// Returns false when the flush failed, in which case the session stays
// resident and dirty (eviction is conditional on a successful flush).
func (m *Manager) hibernate(ctx context.Context, sl *slot, reason string) bool {
	sess := sl.sess
	err := m.store.SaveHibernation(ctx, sess.snapshotState(true))

	m.mu.Lock()
	if err != nil {
		sl.state = residencyResident
		close(sl.ready)
		m.mu.Unlock()
		sess.mu.Unlock()
		log.Error("Hibernation flush failed; session stays resident",
			"key", sess.Key.String(), "reason", reason, "err", err)
		return false
	}
	sess.markClean()
	delete(m.slots, sess.Key)
	close(sl.ready)
	security.Hibernations.Inc()
	security.ResidentSessions.Set(float64(m.residentCountLocked()))
	m.notifySpaceLocked()
	m.mu.Unlock()
	sess.mu.Unlock()

	log.Info("Agent hibernated", "key", sess.Key.String(), "reason", reason)
	return true
}

// SweepIdle hibernates every session idle past the timeout whose per-key
// lock is free. Sessions mid-request are skipped, never raced.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.opts.IdleTimeout)
	hibernated := 0
	for {
		m.mu.Lock()
		var target *slot
		for _, sl := range m.slots {
			if sl.state != residencyResident || !sl.sess.LastActivity().Before(cutoff) {
				continue
			}
			if sl.sess.mu.TryLock() {
				target = sl
				break
			}
		}
		if target == nil {
			m.mu.Unlock()
			return hibernated
		}
		target.state = residencyHibernating
		target.ready = make(chan struct{})
		m.mu.Unlock()

		if m.hibernate(ctx, target, "idle") {
			hibernated++
		} else {
			// Flush failed; leave it resident and stop this pass rather than
			// hammering an unavailable store.
			return hibernated
		}
	}
}

// Hibernate flushes and evicts one session by key, blocking until any
// in-flight request for it finishes. Returns false when the key is not
// resident or the flush failed.
func (m *Manager) Hibernate(ctx context.Context, key Key, reason string) bool {
	m.mu.Lock()
	sl, ok := m.slots[key]
	if !ok || sl.state != residencyResident {
		m.mu.Unlock()
		return false
	}
	sess := sl.sess
	m.mu.Unlock()

	sess.mu.Lock()
	m.mu.Lock()
	cur, ok := m.slots[key]
	if !ok || cur != sl || sl.state != residencyResident {
		m.mu.Unlock()
		sess.mu.Unlock()
		return false
	}
	if !sess.Initialized() {
		delete(m.slots, key)
		m.notifySpaceLocked()
		m.mu.Unlock()
		sess.mu.Unlock()
		return false
	}
	sl.state = residencyHibernating
	sl.ready = make(chan struct{})
	m.mu.Unlock()
	return m.hibernate(ctx, sl, reason)
}

// HibernateAll flushes and evicts every resident session. Used on shutdown;
// blocks on per-key locks until in-flight requests finish.
func (m *Manager) HibernateAll(ctx context.Context) {
	for _, sess := range m.residentSessions() {
		sess.mu.Lock()
		m.mu.Lock()
		sl, ok := m.slots[sess.Key]
		if !ok || sl.sess != sess || sl.state != residencyResident {
			m.mu.Unlock()
			sess.mu.Unlock()
			continue
		}
		if !sess.Initialized() {
			delete(m.slots, sess.Key)
			m.mu.Unlock()
			sess.mu.Unlock()
			continue
		}
		sl.state = residencyHibernating
		sl.ready = make(chan struct{})
		m.mu.Unlock()
		m.hibernate(ctx, sl, "shutdown")
	}
}

// ResidentCount returns the current working-set size, loading entries
// included.
func (m *Manager) ResidentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *Manager) residentCountLocked() int {
	return len(m.slots)
}

// residentSessions snapshots the resident sessions without holding m.mu
// while touching them.
func (m *Manager) residentSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.slots))
	for _, sl := range m.slots {
		if sl.state == residencyResident {
			sessions = append(sessions, sl.sess)
		}
	}
	return sessions
}

// Exists reports whether the pair has state, resident or durable.
func (m *Manager) Exists(ctx context.Context, key Key) (bool, error) {
	m.mu.Lock()
	_, resident := m.slots[key]
	m.mu.Unlock()
	if resident {
		return true, nil
	}
	return m.store.AgentExists(ctx, key.CharacterID, key.PlayerAddress)
}

// characterSheet fetches the immutable trait snapshot, consulting the cache
// first. Cache errors degrade to a direct fetch.
func (m *Manager) characterSheet(ctx context.Context, characterID int64) (*model.CharacterSheet, error) {
	if m.traitCache != nil && m.traitCache.Available() {
		if sheet, err := m.traitCache.Get(ctx, characterID); err == nil && sheet != nil {
			return sheet, nil
		} else if err != nil {
			log.Warn("Trait cache read failed", "characterId", characterID, "err", err)
		}
	}
	if m.traits == nil {
		return nil, errors.New("no trait source configured")
	}
	sheet, err := m.traits.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("fetch character %d: %w", characterID, err)
	}
	if m.traitCache != nil && m.traitCache.Available() {
		if err := m.traitCache.Set(ctx, characterID, sheet); err != nil {
			log.Warn("Trait cache write failed", "characterId", characterID, "err", err)
		}
	}
	return sheet, nil
}
