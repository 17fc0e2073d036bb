package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lovediary/agent-service/internal/model"
	"github.com/lovediary/agent-service/internal/recall"
	"github.com/stretchr/testify/require"
)

func testSession(timezone int) *Session {
	now := time.Now()
	s := &Session{
		Key:          NewKey(1, "0xaa"),
		PlayerInfo:   model.PlayerInfo{Name: "Alice", Gender: "Female", Timezone: timezone},
		CharacterNFT: model.CharacterSheet{Name: "Luna", BirthYear: 2000, Gender: 1},
		CreatedAt:    now,
		Backstory:    "an existing backstory",
		TodayDate:    PlayerDate(now, timezone),
		initialized:  true,
	}
	s.Touch(now)
	return s
}

func testPipeline(provider *fakeProvider, store *memStore, opts PipelineOptions) *Pipeline {
	return NewPipeline(provider, recall.New(store, nil), opts)
}

func TestProcessAppliesProviderDelta(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{chatText: "nice to see you", chatDelta: 3, hasDelta: true}
	pipe := testPipeline(provider, newMemStore(), PipelineOptions{})
	sess := testSession(0)

	reply, err := pipe.Process(ctx, sess, "hello", time.Now())
	require.NoError(t, err)
	require.Equal(t, "nice to see you", reply.Text)
	require.Equal(t, 3, reply.AffectionChange)

	require.Equal(t, 3, sess.AffectionLevel)
	require.Equal(t, int64(1), sess.TotalMessages)
	require.Equal(t, 1, sess.ContextMessageCount)
	require.Len(t, sess.TodayBuffer, 2)
	require.Equal(t, model.SenderPlayer, sess.TodayBuffer[0].Sender)
	require.Equal(t, model.SenderCharacter, sess.TodayBuffer[1].Sender)
	require.True(t, sess.Dirty())
}

func TestProcessClampsProviderDelta(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		delta, want int
	}{
		{25, 10},
		{-25, -10},
		{7, 7},
	} {
		provider := &fakeProvider{chatDelta: tc.delta, hasDelta: true}
		pipe := testPipeline(provider, newMemStore(), PipelineOptions{})
		sess := testSession(0)

		reply, err := pipe.Process(ctx, sess, "hey", time.Now())
		require.NoError(t, err)
		require.Equal(t, tc.want, reply.AffectionChange)
	}
}

func TestProcessKeywordFallback(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		message string
		want    int
	}{
		{"I love talking to you", 3},
		{"that was nice", 2},
		{"thanks a lot", 1},
		{"what time is it", 1},
	} {
		provider := &fakeProvider{hasDelta: false}
		pipe := testPipeline(provider, newMemStore(), PipelineOptions{})
		sess := testSession(0)

		reply, err := pipe.Process(ctx, sess, tc.message, time.Now())
		require.NoError(t, err)
		require.Equal(t, tc.want, reply.AffectionChange, "message %q", tc.message)
	}
}

func TestProcessFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{chatErr: errors.New("provider down")}
	pipe := testPipeline(provider, newMemStore(), PipelineOptions{})
	sess := testSession(0)
	sess.AffectionLevel = 4
	sess.TotalMessages = 7

	_, err := pipe.Process(ctx, sess, "hello", time.Now())
	require.Error(t, err)
	require.True(t, IsGenerationFailed(err))

	require.Equal(t, 4, sess.AffectionLevel)
	require.Equal(t, int64(7), sess.TotalMessages)
	require.Empty(t, sess.TodayBuffer)
	require.False(t, sess.Dirty())
}

func TestProcessRequiresInitializedSession(t *testing.T) {
	pipe := testPipeline(&fakeProvider{}, newMemStore(), PipelineOptions{})
	sess := newUninitializedSession(NewKey(1, "0xaa"), time.Now())

	_, err := pipe.Process(context.Background(), sess, "hello", time.Now())
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestSummarizationThresholdResetsCounter(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{completeText: "they are growing closer"}
	pipe := testPipeline(provider, newMemStore(), PipelineOptions{SummaryThreshold: 2})
	sess := testSession(0)

	_, err := pipe.Process(ctx, sess, "first", time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, sess.ContextMessageCount)
	require.Empty(t, sess.RelationshipContext)

	_, err = pipe.Process(ctx, sess, "second", time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, sess.ContextMessageCount)
	require.Equal(t, "they are growing closer", sess.RelationshipContext)
}

func TestSummarizationFailureRetriesNextMessage(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{completeText: "summary", completeErrFor: 1}
	pipe := testPipeline(provider, newMemStore(), PipelineOptions{SummaryThreshold: 1})
	sess := testSession(0)

	// Summary fails but the message itself succeeds; the counter stays at
	// threshold so the next message retries.
	_, err := pipe.Process(ctx, sess, "first", time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, sess.ContextMessageCount)
	require.Empty(t, sess.RelationshipContext)

	_, err = pipe.Process(ctx, sess, "second", time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, sess.ContextMessageCount)
	require.Equal(t, "summary", sess.RelationshipContext)
}

func TestEnsureBackstoryIdempotent(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{completeText: "born under a wandering star"}
	pipe := testPipeline(provider, newMemStore(), PipelineOptions{})
	sess := testSession(0)
	sess.Backstory = ""

	generated, err := pipe.EnsureBackstory(ctx, sess, time.Now())
	require.NoError(t, err)
	require.True(t, generated)
	require.Equal(t, "born under a wandering star", sess.Backstory)

	generated, err = pipe.EnsureBackstory(ctx, sess, time.Now())
	require.NoError(t, err)
	require.False(t, generated)
	require.Equal(t, 1, provider.completeCalls)
}

func TestGreetAppendsToBuffer(t *testing.T) {
	pipe := testPipeline(&fakeProvider{}, newMemStore(), PipelineOptions{})
	sess := testSession(0)

	text := pipe.Greet(sess, time.Now())
	require.Contains(t, text, "Alice")
	require.Contains(t, text, "Luna")
	require.Len(t, sess.TodayBuffer, 1)
	require.Equal(t, model.SenderCharacter, sess.TodayBuffer[0].Sender)
	require.True(t, sess.Dirty())
}

func TestCloseDayWritesDiaryAndClearsBuffer(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{completeText: "dear diary, today was lovely"}
	pipe := testPipeline(provider, store, PipelineOptions{})
	sess := testSession(0)
	yesterday := PlayerDate(time.Now().Add(-24*time.Hour), 0)
	sess.TodayDate = yesterday
	sess.TodayBuffer = []model.Message{
		{Sender: model.SenderPlayer, Text: "hi", Timestamp: time.Now()},
		{Sender: model.SenderCharacter, Text: "hello", Timestamp: time.Now()},
	}

	now := time.Now()
	require.NoError(t, pipe.CloseDay(ctx, sess, now))

	require.Empty(t, sess.TodayBuffer)
	require.Equal(t, sess.PlayerDate(now), sess.TodayDate)

	entries, err := store.ListDiaryEntries(ctx, sess.Key.CharacterID, sess.Key.PlayerAddress, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, yesterday, entries[0].Date)
	require.Equal(t, "dear diary, today was lovely", entries[0].EntryText)
	require.Equal(t, 2, entries[0].MessageCount)
}

func TestCloseDayEmptyBufferSkipsGeneration(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	pipe := testPipeline(provider, newMemStore(), PipelineOptions{})
	sess := testSession(0)
	sess.TodayDate = PlayerDate(time.Now().Add(-24*time.Hour), 0)

	now := time.Now()
	require.NoError(t, pipe.CloseDay(ctx, sess, now))
	require.Equal(t, sess.PlayerDate(now), sess.TodayDate)
	require.Equal(t, 0, provider.completeCalls)
}

func TestCloseDayDuplicateDateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{completeText: "entry"}
	pipe := testPipeline(provider, store, PipelineOptions{})

	sess := testSession(0)
	yesterday := PlayerDate(time.Now().Add(-24*time.Hour), 0)
	sess.TodayDate = yesterday
	buf := []model.Message{{Sender: model.SenderPlayer, Text: "hi", Timestamp: time.Now()}}
	sess.TodayBuffer = append([]model.Message(nil), buf...)
	require.NoError(t, pipe.CloseDay(ctx, sess, time.Now()))

	// A second closure for the same date hits the unique constraint; the day
	// still counts as closed and the buffer is cleared.
	sess.TodayDate = yesterday
	sess.TodayBuffer = append([]model.Message(nil), buf...)
	require.NoError(t, pipe.CloseDay(ctx, sess, time.Now()))
	require.Empty(t, sess.TodayBuffer)

	entries, err := store.ListDiaryEntries(ctx, sess.Key.CharacterID, sess.Key.PlayerAddress, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestProcessRollsOverNewDay(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &fakeProvider{completeText: "a diary entry"}
	pipe := testPipeline(provider, store, PipelineOptions{})
	sess := testSession(0)
	yesterday := PlayerDate(time.Now().Add(-24*time.Hour), 0)
	sess.TodayDate = yesterday
	sess.TodayBuffer = []model.Message{
		{Sender: model.SenderPlayer, Text: "good night", Timestamp: time.Now().Add(-10 * time.Hour)},
	}

	now := time.Now()
	_, err := pipe.Process(ctx, sess, "good morning", now)
	require.NoError(t, err)

	// Yesterday folded into a diary entry; the buffer holds only today's
	// exchange.
	entries, err := store.ListDiaryEntries(ctx, sess.Key.CharacterID, sess.Key.PlayerAddress, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, yesterday, entries[0].Date)
	require.Len(t, sess.TodayBuffer, 2)
	require.Equal(t, sess.PlayerDate(now), sess.TodayDate)
}

func TestPlayerDateUsesTimezoneOffset(t *testing.T) {
	at := time.Date(2026, 8, 26, 20, 0, 0, 0, time.UTC)
	require.Equal(t, "2026-08-27", PlayerDate(at, 9))
	require.Equal(t, "2026-08-26", PlayerDate(at, 0))
	require.Equal(t, "2026-08-26", PlayerDate(at, -7))
}
