package agent

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lovediary/agent-service/internal/model"
)

// Key identifies one (character, player) relationship. The player address is
// always stored lowercase.
type Key struct {
	CharacterID   int64
	PlayerAddress string
}

// NewKey builds a Key with a normalized player address.
func NewKey(characterID int64, playerAddress string) Key {
	return Key{CharacterID: characterID, PlayerAddress: model.NormalizeAddress(playerAddress)}
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.CharacterID, k.PlayerAddress)
}

// less orders keys by (character_id, player_address). Used as the
// deterministic eviction tie-break.
func (k Key) less(other Key) bool {
	if k.CharacterID != other.CharacterID {
		return k.CharacterID < other.CharacterID
	}
	return k.PlayerAddress < other.PlayerAddress
}

// Session is the in-memory representation of one relationship. All mutable
// fields are guarded by mu, which the manager hands to exactly one request at
// a time for the duration of acquire → process → release. lastActivity is
// atomic so eviction scans can read it without the per-key lock.
type Session struct {
	Key Key

	// Immutable after creation.
	PlayerInfo   model.PlayerInfo
	CharacterNFT model.CharacterSheet
	CreatedAt    time.Time

	// Mutable state; guarded by mu.
	Backstory           string
	RelationshipContext string
	ContextMessageCount int
	AffectionLevel      int
	TotalMessages       int64
	TodayBuffer         []model.Message
	TodayDate           string // "2006-01-02" in the player's timezone
	dirty               bool

	// WokeFromHibernation is true when the session was restored from a
	// durable snapshot by the most recent load, false when it was already
	// resident. Exposed for the message response's agent status field.
	WokeFromHibernation bool

	mu           sync.Mutex
	lastActivity atomic.Int64 // unix nanos
	initialized  bool
}

// Initialized reports whether the session has durable state behind it. An
// acquire on a never-created pair yields an uninitialized session, which is
// dropped on release rather than persisted.
func (s *Session) Initialized() bool { return s.initialized }

// Dirty reports whether in-memory state diverges from the durable store.
func (s *Session) Dirty() bool { return s.dirty }

// MarkDirty flags the session for flushing.
func (s *Session) MarkDirty() { s.dirty = true }

// markClean is called after a successful flush.
func (s *Session) markClean() { s.dirty = false }

// Touch updates the idle clock.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// LastActivity returns the time of the most recent acquire.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// PlayerDate returns the calendar date at now in the player's timezone.
func (s *Session) PlayerDate(now time.Time) string {
	return PlayerDate(now, s.PlayerInfo.Timezone)
}

// PlayerDate returns the calendar date at now for a UTC-offset timezone.
func PlayerDate(now time.Time, timezone int) string {
	return now.UTC().Add(time.Duration(timezone) * time.Hour).Format("2006-01-02")
}

// snapshotState exports the session as a durable row, including the
// hibernate snapshot when hibernating is true. Caller must hold mu.
func (s *Session) snapshotState(hibernating bool) *model.AgentState {
	state := &model.AgentState{
		CharacterID:         s.Key.CharacterID,
		PlayerAddress:       s.Key.PlayerAddress,
		PlayerInfo:          s.PlayerInfo,
		PlayerTimezone:      s.PlayerInfo.Timezone,
		CharacterNFT:        s.CharacterNFT,
		Backstory:           s.Backstory,
		RelationshipContext: s.RelationshipContext,
		ContextMessageCount: s.ContextMessageCount,
		AffectionLevel:      s.AffectionLevel,
		TotalMessages:       s.TotalMessages,
	}
	if hibernating {
		buf := make([]model.Message, len(s.TodayBuffer))
		copy(buf, s.TodayBuffer)
		state.Hibernation = &model.HibernateSnapshot{
			TodayBuffer:         buf,
			TodayDate:           s.TodayDate,
			RelationshipContext: s.RelationshipContext,
			ContextMessageCount: s.ContextMessageCount,
		}
	}
	return state
}

// restoreSession rebuilds a session from its durable row, rehydrating the
// today buffer from the hibernate snapshot when present.
func restoreSession(key Key, state *model.AgentState, now time.Time) *Session {
	s := &Session{
		Key:                 key,
		PlayerInfo:          state.PlayerInfo,
		CharacterNFT:        state.CharacterNFT,
		CreatedAt:           state.CreatedAt,
		Backstory:           state.Backstory,
		RelationshipContext: state.RelationshipContext,
		ContextMessageCount: state.ContextMessageCount,
		AffectionLevel:      state.AffectionLevel,
		TotalMessages:       state.TotalMessages,
		TodayDate:           PlayerDate(now, state.PlayerInfo.Timezone),
		initialized:         true,
		WokeFromHibernation: true,
	}
	if snap := state.Hibernation; snap != nil {
		s.TodayBuffer = append(s.TodayBuffer, snap.TodayBuffer...)
		if snap.TodayDate != "" {
			s.TodayDate = snap.TodayDate
		}
		if snap.RelationshipContext != "" {
			s.RelationshipContext = snap.RelationshipContext
			s.ContextMessageCount = snap.ContextMessageCount
		}
	}
	s.Touch(now)
	return s
}

// newUninitializedSession builds the empty placeholder returned by an acquire
// on a pair with no durable state.
func newUninitializedSession(key Key, now time.Time) *Session {
	s := &Session{Key: key, CreatedAt: now}
	s.Touch(now)
	return s
}
