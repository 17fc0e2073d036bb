package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderPlayer    Sender = "player"
	SenderCharacter Sender = "character"
)

// Message is a single message in a session's today buffer.
type Message struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// PlayerInfo holds the immutable player attributes, set at agent creation.
type PlayerInfo struct {
	Name     string `json:"name"`
	Gender   string `json:"gender"`   // "Male" | "Female" | "NonBinary"
	Timezone int    `json:"timezone"` // UTC offset, -12..+14
}

// CharacterSheet is the immutable trait snapshot fetched once from the
// CharacterNFT contract when the agent is created.
type CharacterSheet struct {
	Name              string `json:"name"`
	BirthYear         int    `json:"birthYear"`
	BirthTimestamp    int64  `json:"birthTimestamp"`
	Gender            int    `json:"gender"`            // 0=Male 1=Female 2=NonBinary
	SexualOrientation int    `json:"sexualOrientation"` // 0-4
	OccupationID      int    `json:"occupationId"`      // 0-9
	PersonalityID     int    `json:"personalityId"`     // 0-9
	Language          int    `json:"language"`          // 0=EN
	MintedAt          int64  `json:"mintedAt"`
	IsBonded          bool   `json:"isBonded"`
	Secret            string `json:"secret"` // bytes32 as hex
}

// HibernateSnapshot is the serialized volatile state of a session, stored in
// the agent_states row only while the session is hibernated. It is cleared on
// restore so it can never be applied twice.
type HibernateSnapshot struct {
	TodayBuffer         []Message `json:"todayBuffer"`
	TodayDate           string    `json:"todayDate"` // "2006-01-02" in the player's timezone
	RelationshipContext string    `json:"relationshipContext"`
	ContextMessageCount int       `json:"contextMessageCount"`
}

// AgentState is the durable row for one (character, player) relationship.
type AgentState struct {
	CharacterID   int64  `json:"characterId"   gorm:"primaryKey;column:character_id"`
	PlayerAddress string `json:"playerAddress" gorm:"primaryKey;column:player_address"`

	PlayerInfo   PlayerInfo     `json:"playerInfo"   gorm:"type:jsonb;serializer:json;not null;column:player_info"`
	CharacterNFT CharacterSheet `json:"characterNft" gorm:"type:jsonb;serializer:json;not null;column:character_nft"`

	// PlayerTimezone duplicates PlayerInfo.Timezone as a plain column so the
	// diary cron can select agents by timezone.
	PlayerTimezone int `json:"-" gorm:"not null;default:0;column:player_timezone"`

	Backstory           string `json:"backstory"           gorm:"column:backstory"`
	RelationshipContext string `json:"relationshipContext" gorm:"column:relationship_context"`
	ContextMessageCount int    `json:"contextMessageCount" gorm:"not null;default:0;column:context_message_count"`
	AffectionLevel      int    `json:"affectionLevel"      gorm:"not null;default:0;column:affection_level"`
	TotalMessages       int64  `json:"totalMessages"       gorm:"not null;default:0;column:total_messages"`

	// Hibernation is the serialized HibernateSnapshot, populated only while
	// the session is hibernated and NULL while it is resident.
	Hibernation *HibernateSnapshot `json:"-" gorm:"type:jsonb;serializer:json;column:hibernate_data"`

	CreatedAt        time.Time  `json:"createdAt" gorm:"not null;default:now();column:created_at"`
	UpdatedAt        time.Time  `json:"updatedAt" gorm:"not null;default:now();column:updated_at"`
	ContextUpdatedAt *time.Time `json:"-"         gorm:"column:context_updated_at"`
	HibernatedAt     *time.Time `json:"-"         gorm:"column:hibernated_at"`
}

// TableName implements gorm.Tabler.
func (AgentState) TableName() string { return "agent_states" }

// DiaryEntry is one immutable first-person diary entry summarizing a single
// day of conversation. At most one row exists per (character, player, date).
type DiaryEntry struct {
	ID            uuid.UUID `json:"id"            gorm:"primaryKey;type:uuid;column:id"`
	CharacterID   int64     `json:"characterId"   gorm:"not null;column:character_id"`
	PlayerAddress string    `json:"playerAddress" gorm:"not null;column:player_address"`
	Date          string    `json:"date"          gorm:"not null;column:date"` // "2006-01-02"
	EntryText     string    `json:"entryText"     gorm:"not null;column:entry_text"`
	MessageCount  int       `json:"messageCount"  gorm:"not null;default:0;column:message_count"`

	// Embedding is handled by the store plugins (pgvector / sqlite-vec), not
	// by gorm's field mapping.
	Embedding []float32 `json:"-" gorm:"-"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now();column:created_at"`
}

// TableName implements gorm.Tabler.
func (DiaryEntry) TableName() string { return "diary_entries" }

// NormalizeAddress lowercases a wallet address; addresses are stored and
// compared lowercase everywhere.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
