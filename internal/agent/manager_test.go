package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lovediary/agent-service/internal/model"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

func testManager(store registrystore.AgentStore, opts ManagerOptions) *Manager {
	return NewManager(store, &fakeTraits{}, nil, opts)
}

func testPlayer() model.PlayerInfo {
	return model.PlayerInfo{Name: "Alice", Gender: "Female", Timezone: 9}
}

func TestCreateThenAcquireRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := testManager(store, ManagerOptions{MaxActive: 4, FlushSync: true})
	key := NewKey(7, "0xABCDEF")

	sess, err := mgr.Create(ctx, key, testPlayer())
	require.NoError(t, err)
	require.True(t, sess.Initialized())
	require.Equal(t, "0xabcdef", sess.Key.PlayerAddress)
	require.Equal(t, "Luna", sess.CharacterNFT.Name)

	now := time.Now()
	sess.Backstory = "a long story"
	sess.AffectionLevel = 5
	sess.TodayBuffer = append(sess.TodayBuffer,
		model.Message{Sender: model.SenderPlayer, Text: "hi", Timestamp: now},
		model.Message{Sender: model.SenderCharacter, Text: "hello", Timestamp: now},
	)
	sess.MarkDirty()
	mgr.Release(ctx, sess)

	require.True(t, mgr.Hibernate(ctx, key, "test"))
	require.Equal(t, 0, mgr.ResidentCount())

	saved := store.hibernatedState(key.CharacterID, key.PlayerAddress)
	require.NotNil(t, saved)
	require.NotNil(t, saved.Hibernation)
	require.Len(t, saved.Hibernation.TodayBuffer, 2)

	restored, err := mgr.Acquire(ctx, key)
	require.NoError(t, err)
	defer mgr.Release(ctx, restored)

	require.True(t, restored.WokeFromHibernation)
	require.Equal(t, "a long story", restored.Backstory)
	require.Equal(t, 5, restored.AffectionLevel)
	require.Equal(t, sess.TodayBuffer, restored.TodayBuffer)

	// The snapshot must be cleared on restore so it cannot be applied twice.
	cleared := store.hibernatedState(key.CharacterID, key.PlayerAddress)
	require.Nil(t, cleared.Hibernation)
}

func TestCreateDuplicateFails(t *testing.T) {
	ctx := context.Background()
	mgr := testManager(newMemStore(), ManagerOptions{MaxActive: 4, FlushSync: true})
	key := NewKey(1, "0xaa")

	sess, err := mgr.Create(ctx, key, testPlayer())
	require.NoError(t, err)
	mgr.Release(ctx, sess)

	_, err = mgr.Create(ctx, key, testPlayer())
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestAcquireUninitializedDropsOnRelease(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := testManager(store, ManagerOptions{MaxActive: 4})
	key := NewKey(2, "0xbb")

	sess, err := mgr.Acquire(ctx, key)
	require.NoError(t, err)
	require.False(t, sess.Initialized())
	mgr.Release(ctx, sess)

	require.Equal(t, 0, mgr.ResidentCount())
	exists, err := store.AgentExists(ctx, key.CharacterID, key.PlayerAddress)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestAcquireLoadsOncePerKey(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	key := NewKey(3, "0xcc")
	require.NoError(t, store.SaveAgentState(ctx, &model.AgentState{
		CharacterID:   key.CharacterID,
		PlayerAddress: key.PlayerAddress,
		PlayerInfo:    testPlayer(),
	}))
	mgr := testManager(store, ManagerOptions{MaxActive: 4})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := mgr.Acquire(ctx, key)
			require.NoError(t, err)
			mgr.Release(ctx, sess)
		}()
	}
	wg.Wait()

	store.mu.Lock()
	loads := store.loads
	store.mu.Unlock()
	require.Equal(t, 1, loads)
}

func TestCapacityEvictsLeastRecentlyActive(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := testManager(store, ManagerOptions{MaxActive: 1, FlushSync: true})
	keyA := NewKey(10, "0xaa")
	keyB := NewKey(11, "0xbb")

	sessA, err := mgr.Create(ctx, keyA, testPlayer())
	require.NoError(t, err)
	mgr.Release(ctx, sessA)

	sessB, err := mgr.Create(ctx, keyB, testPlayer())
	require.NoError(t, err)
	mgr.Release(ctx, sessB)

	require.Equal(t, 1, mgr.ResidentCount())
	hibernated := store.hibernatedState(keyA.CharacterID, keyA.PlayerAddress)
	require.NotNil(t, hibernated)
	require.NotNil(t, hibernated.Hibernation)
}

func TestCapacityBackpressureTimesOut(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := testManager(store, ManagerOptions{
		MaxActive:      1,
		AcquireTimeout: 50 * time.Millisecond,
	})
	keyA := NewKey(20, "0xaa")

	// Hold A's per-key lock for the duration: nothing is evictable.
	sessA, err := mgr.Create(ctx, keyA, testPlayer())
	require.NoError(t, err)

	_, err = mgr.Acquire(ctx, NewKey(21, "0xbb"))
	require.ErrorIs(t, err, ErrCapacityExhausted)

	mgr.Release(ctx, sessA)
}

func TestFailedFlushPreventsEviction(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := testManager(store, ManagerOptions{MaxActive: 4, IdleTimeout: time.Minute})
	key := NewKey(30, "0xaa")

	sess, err := mgr.Create(ctx, key, testPlayer())
	require.NoError(t, err)
	mgr.Release(ctx, sess)
	sess.Touch(time.Now().Add(-time.Hour))

	store.mu.Lock()
	store.failHibernate = errors.New("store down")
	store.mu.Unlock()

	require.Equal(t, 0, mgr.SweepIdle(ctx, time.Now()))
	require.Equal(t, 1, mgr.ResidentCount())

	store.mu.Lock()
	store.failHibernate = nil
	store.mu.Unlock()

	require.Equal(t, 1, mgr.SweepIdle(ctx, time.Now()))
	require.Equal(t, 0, mgr.ResidentCount())
}

func TestSweepIdleSkipsBusySessions(t *testing.T) {
	ctx := context.Background()
	mgr := testManager(newMemStore(), ManagerOptions{MaxActive: 4, IdleTimeout: time.Minute})
	key := NewKey(40, "0xaa")

	sess, err := mgr.Create(ctx, key, testPlayer())
	require.NoError(t, err)
	sess.Touch(time.Now().Add(-time.Hour))

	// Mid-request: the per-key lock is held, the sweep must not touch it.
	require.Equal(t, 0, mgr.SweepIdle(ctx, time.Now()))
	require.Equal(t, 1, mgr.ResidentCount())

	mgr.Release(ctx, sess)
	sess.Touch(time.Now().Add(-time.Hour))
	require.Equal(t, 1, mgr.SweepIdle(ctx, time.Now()))
	require.Equal(t, 0, mgr.ResidentCount())
}

func TestHibernateUnknownKey(t *testing.T) {
	mgr := testManager(newMemStore(), ManagerOptions{MaxActive: 4})
	require.False(t, mgr.Hibernate(context.Background(), NewKey(99, "0xzz"), "test"))
}

func TestHibernateAllOnShutdown(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := testManager(store, ManagerOptions{MaxActive: 4, FlushSync: true})

	for i := int64(0); i < 3; i++ {
		sess, err := mgr.Create(ctx, NewKey(50+i, "0xaa"), testPlayer())
		require.NoError(t, err)
		mgr.Release(ctx, sess)
	}
	require.Equal(t, 3, mgr.ResidentCount())

	mgr.HibernateAll(ctx)
	require.Equal(t, 0, mgr.ResidentCount())

	count, err := store.HibernatedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := testManager(store, ManagerOptions{MaxActive: 4, FlushSync: true})
	key := NewKey(60, "0xaa")

	ok, err := mgr.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	sess, err := mgr.Create(ctx, key, testPlayer())
	require.NoError(t, err)
	mgr.Release(ctx, sess)

	ok, err = mgr.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	// Still true once hibernated: durable state remains.
	require.True(t, mgr.Hibernate(ctx, key, "test"))
	ok, err = mgr.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
}
