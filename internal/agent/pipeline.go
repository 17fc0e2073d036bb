package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lovediary/agent-service/internal/model"
	"github.com/lovediary/agent-service/internal/recall"
	registryllm "github.com/lovediary/agent-service/internal/registry/llm"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
	"github.com/lovediary/agent-service/internal/security"
)

const (
	maxAffectionDelta  = 10
	chatMaxTokens      = 200
	backstoryMaxTokens = 1000
	summaryMaxTokens   = 400
	diaryMaxTokens     = 400
)

// PipelineOptions tunes the conversation pipeline.
type PipelineOptions struct {
	// SummaryThreshold is the number of messages between relationship
	// context regenerations.
	SummaryThreshold int
	// RecentWindow is how many today-buffer messages each generation call
	// carries.
	RecentWindow int
	// RecallTopK is how many diary entries are retrieved per message.
	RecallTopK int
}

// Reply is the outcome of one processed message.
type Reply struct {
	Text            string
	AffectionChange int
}

// Pipeline is the stateless function set that processes one message against
// a session: context assembly, generation, state delta, summarization, and
// daily diary closure. The caller holds the session's per-key lock.
type Pipeline struct {
	llm    registryllm.Provider
	recall *recall.Index
	opts   PipelineOptions
}

// NewPipeline creates a conversation pipeline.
func NewPipeline(provider registryllm.Provider, index *recall.Index, opts PipelineOptions) *Pipeline {
	if opts.SummaryThreshold <= 0 {
		opts.SummaryThreshold = 50
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 10
	}
	if opts.RecallTopK < 0 {
		opts.RecallTopK = 0
	}
	return &Pipeline{llm: provider, recall: index, opts: opts}
}

// Process runs one incoming player message through the pipeline and returns
// the character's reply. A failed or timed-out generation call leaves the
// session's state exactly as before the call; the whole call is then safe to
// retry.
func (p *Pipeline) Process(ctx context.Context, s *Session, message string, now time.Time) (*Reply, error) {
	if !s.Initialized() {
		return nil, ErrNotInitialized
	}

	// Day rollover: fold the previous day's buffer into a diary entry before
	// this message joins the new day.
	if err := p.rolloverIfNewDay(ctx, s, now); err != nil {
		return nil, err
	}

	// One-time backstory synthesis, idempotent by presence.
	if _, err := p.EnsureBackstory(ctx, s, now); err != nil {
		return nil, err
	}

	traits := DeriveTraits(s.CharacterNFT, now)

	// Context assembly. Recall failures degrade to no memories rather than
	// failing the message.
	memories, err := p.recall.TopK(ctx, s.Key.CharacterID, s.Key.PlayerAddress, message, p.opts.RecallTopK)
	if err != nil {
		log.Warn("Recall lookup failed, continuing without memories",
			"key", s.Key.String(), "err", err)
		memories = nil
	}

	system := systemPrompt(traits, s.Backstory, s.PlayerInfo.Name)
	contextBlock := contextPrompt(s, p.opts.RecentWindow, memories)

	started := time.Now()
	result, err := p.llm.Chat(ctx, system, []registryllm.ChatMessage{
		{Role: "system", Content: contextBlock},
		{Role: "user", Content: message},
	}, chatMaxTokens)
	security.ObserveGeneration("chat", started, err)
	if err != nil {
		return nil, &GenerationError{Stage: "chat", Err: err}
	}

	delta := result.AffectionDelta
	if !result.HasDelta {
		delta = scoreAffection(message)
	}
	delta = clampDelta(delta)

	// State delta application. Nothing above this point mutated the session.
	s.TodayBuffer = append(s.TodayBuffer,
		model.Message{Sender: model.SenderPlayer, Text: message, Timestamp: now},
		model.Message{Sender: model.SenderCharacter, Text: result.Text, Timestamp: now},
	)
	s.TotalMessages++
	s.ContextMessageCount++
	s.AffectionLevel += delta
	s.MarkDirty()
	security.MessagesProcessed.Inc()

	log.Info("Message processed",
		"key", s.Key.String(),
		"affectionChange", delta,
		"bufferLen", len(s.TodayBuffer))

	// Summarization trigger. Failure leaves the counter at threshold so the
	// next message retries.
	if s.ContextMessageCount >= p.opts.SummaryThreshold {
		if err := p.regenerateContext(ctx, s, traits); err != nil {
			log.Error("Relationship summary regeneration failed",
				"key", s.Key.String(), "err", err)
		}
	}

	return &Reply{Text: result.Text, AffectionChange: delta}, nil
}

// EnsureBackstory synthesizes the backstory if the session has none. Returns
// true when a backstory was generated by this call.
func (p *Pipeline) EnsureBackstory(ctx context.Context, s *Session, now time.Time) (bool, error) {
	if s.Backstory != "" {
		return false, nil
	}
	traits := DeriveTraits(s.CharacterNFT, now)
	started := time.Now()
	backstory, err := p.llm.Complete(ctx, backstoryPrompt(traits, s.PlayerInfo), backstoryMaxTokens)
	security.ObserveGeneration("backstory", started, err)
	if err != nil {
		return false, &GenerationError{Stage: "backstory", Err: err}
	}
	s.Backstory = backstory
	s.MarkDirty()
	log.Info("Backstory generated", "key", s.Key.String(), "length", len(backstory))
	return true, nil
}

// Greet appends the character's first greeting to the today buffer.
func (p *Pipeline) Greet(s *Session, now time.Time) string {
	traits := DeriveTraits(s.CharacterNFT, now)
	text := greetingText(traits, s.PlayerInfo.Name)
	s.TodayBuffer = append(s.TodayBuffer, model.Message{
		Sender:    model.SenderCharacter,
		Text:      text,
		Timestamp: now,
	})
	s.MarkDirty()
	return text
}

// CloseDay summarizes the buffered day into one immutable diary entry,
// persists it, and clears the buffer for the new day. A concurrent or
// repeated closure for the same date is idempotent: the append-only unique
// constraint rejects the second write and the buffer is still cleared.
func (p *Pipeline) CloseDay(ctx context.Context, s *Session, now time.Time) error {
	newDate := s.PlayerDate(now)
	if len(s.TodayBuffer) == 0 {
		s.TodayDate = newDate
		return nil
	}

	traits := DeriveTraits(s.CharacterNFT, now)
	started := time.Now()
	entryText, err := p.llm.Complete(ctx, diaryPrompt(traits, s.PlayerInfo.Name, s.TodayBuffer), diaryMaxTokens)
	security.ObserveGeneration("diary", started, err)
	if err != nil {
		return &GenerationError{Stage: "diary", Err: err}
	}

	entry := &model.DiaryEntry{
		CharacterID:   s.Key.CharacterID,
		PlayerAddress: s.Key.PlayerAddress,
		Date:          s.TodayDate,
		EntryText:     entryText,
		MessageCount:  len(s.TodayBuffer),
	}
	if err := p.recall.Append(ctx, entry, false); err != nil {
		if errors.Is(err, registrystore.ErrDuplicateDate) {
			log.Warn("Diary entry already written for date, treating day as closed",
				"key", s.Key.String(), "date", s.TodayDate)
		} else {
			return err
		}
	} else {
		security.DiaryEntriesWritten.Inc()
		log.Info("Diary entry saved",
			"key", s.Key.String(), "date", s.TodayDate, "length", len(entryText))
	}

	s.TodayBuffer = nil
	s.TodayDate = newDate
	s.MarkDirty()
	return nil
}

func (p *Pipeline) rolloverIfNewDay(ctx context.Context, s *Session, now time.Time) error {
	if s.TodayDate == "" {
		s.TodayDate = s.PlayerDate(now)
		return nil
	}
	if s.TodayDate == s.PlayerDate(now) {
		return nil
	}
	return p.CloseDay(ctx, s, now)
}

func (p *Pipeline) regenerateContext(ctx context.Context, s *Session, traits Traits) error {
	started := time.Now()
	summary, err := p.llm.Complete(ctx,
		relationshipSummaryPrompt(traits, s.PlayerInfo.Name, s.RelationshipContext, s.TodayBuffer),
		summaryMaxTokens)
	security.ObserveGeneration("summary", started, err)
	if err != nil {
		return &GenerationError{Stage: "summary", Err: err}
	}
	s.RelationshipContext = summary
	s.ContextMessageCount = 0
	s.MarkDirty()
	log.Info("Relationship context regenerated", "key", s.Key.String(), "length", len(summary))
	return nil
}

func clampDelta(delta int) int {
	if delta > maxAffectionDelta {
		return maxAffectionDelta
	}
	if delta < -maxAffectionDelta {
		return -maxAffectionDelta
	}
	return delta
}

// scoreAffection is the keyword fallback used when the provider does not
// return a structured delta.
func scoreAffection(message string) int {
	lower := strings.ToLower(message)
	for _, word := range []string{"love", "beautiful", "amazing", "wonderful", "adore", "perfect"} {
		if strings.Contains(lower, word) {
			return 3
		}
	}
	for _, word := range []string{"like", "nice", "good", "enjoy", "happy", "fun"} {
		if strings.Contains(lower, word) {
			return 2
		}
	}
	for _, word := range []string{"thanks", "thank", "appreciate"} {
		if strings.Contains(lower, word) {
			return 1
		}
	}
	return 1
}
