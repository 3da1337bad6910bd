package nonce

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func setupLedger(store Store) (*Ledger, *clock) {
	c := &clock{now: t0}
	return NewLedger(store, 600*time.Second, testLogger()).WithClock(c.Now), c
}

func seed(t *testing.T, store Store, value string) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), Nonce{Value: value, IssuedAt: t0, ExpiresAt: t0.Add(600 * time.Second)}))
}

func TestLedger_IssueAndConsume(t *testing.T) {
	ledger, _ := setupLedger(NewMemoryStore())
	ctx := context.Background()

	n, err := ledger.Issue(ctx)
	require.NoError(t, err)
	assert.Len(t, n.Value, 32)
	assert.Equal(t, t0, n.IssuedAt)
	assert.Equal(t, t0.Add(600*time.Second), n.ExpiresAt)

	other, err := ledger.Issue(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, n.Value, other.Value)

	assert.NoError(t, ledger.Consume(ctx, n.Value))
	assert.ErrorIs(t, ledger.Consume(ctx, n.Value), ErrAlreadyConsumed)
}

func TestLedger_ExpiredAfterTTL(t *testing.T) {
	store := NewMemoryStore()
	ledger, c := setupLedger(store)
	seed(t, store, "abc123")

	c.Set(t0.Add(601 * time.Second))
	err := ledger.Consume(context.Background(), "abc123")

	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLedger_ReplayAfterConsume(t *testing.T) {
	store := NewMemoryStore()
	ledger, c := setupLedger(store)
	seed(t, store, "abc123")

	c.Set(t0.Add(5 * time.Second))
	require.NoError(t, ledger.Consume(context.Background(), "abc123"))

	c.Set(t0.Add(10 * time.Second))
	assert.ErrorIs(t, ledger.Consume(context.Background(), "abc123"), ErrAlreadyConsumed)
}

func TestLedger_ExactlyAtExpiryIsStillValid(t *testing.T) {
	store := NewMemoryStore()
	ledger, c := setupLedger(store)
	seed(t, store, "edge")

	c.Set(t0.Add(600 * time.Second))
	assert.NoError(t, ledger.Consume(context.Background(), "edge"))
}

func TestLedger_UnknownNonce(t *testing.T) {
	ledger, _ := setupLedger(NewMemoryStore())

	err := ledger.Consume(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMemoryStore_RejectsReinsertion(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "dup")

	err := store.Insert(context.Background(), Nonce{Value: "dup", IssuedAt: t0, ExpiresAt: t0.Add(time.Minute)})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryStore_ConcurrentConsumeHasOneWinner(t *testing.T) {
	store := NewMemoryStore()
	ledger, _ := setupLedger(store)
	seed(t, store, "race")

	const callers = 64
	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		replayed atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := ledger.Consume(context.Background(), "race")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyConsumed):
				replayed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(callers-1), replayed.Load())
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore()
	ledger, c := setupLedger(store)
	seed(t, store, "old")
	require.NoError(t, store.Insert(context.Background(), Nonce{Value: "fresh", IssuedAt: t0.Add(time.Hour), ExpiresAt: t0.Add(time.Hour + 10*time.Minute)}))

	c.Set(t0.Add(11 * time.Minute))
	removed, err := ledger.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
	assert.ErrorIs(t, ledger.Consume(context.Background(), "old"), ErrNotFound)
}

func TestStartSweeper_RejectsIntervalWithinTTL(t *testing.T) {
	ledger, _ := setupLedger(NewMemoryStore())

	_, err := StartSweeper(ledger, 5*time.Minute, testLogger())
	assert.Error(t, err)
}

func TestStartSweeper_StartsAndStops(t *testing.T) {
	ledger, _ := setupLedger(NewMemoryStore())

	sweeper, err := StartSweeper(ledger, time.Hour, testLogger())
	require.NoError(t, err)
	assert.NoError(t, sweeper.Stop())
}

type unschedulable struct {
	gocron.Scheduler
	shutdowns int
}

func (u *unschedulable) NewJob(gocron.JobDefinition, gocron.Task, ...gocron.JobOption) (gocron.Job, error) {
	return nil, errors.New("scheduler full")
}

func (u *unschedulable) Shutdown() error {
	u.shutdowns++
	return nil
}

func TestStartSweeper_ShutsDownSchedulerWhenJobFails(t *testing.T) {
	ledger, _ := setupLedger(NewMemoryStore())
	scheduler := &unschedulable{}
	orig := newScheduler
	newScheduler = func() (gocron.Scheduler, error) { return scheduler, nil }
	t.Cleanup(func() { newScheduler = orig })

	_, err := StartSweeper(ledger, time.Hour, testLogger())

	require.Error(t, err)
	assert.Equal(t, 1, scheduler.shutdowns)
}

func setupRedisStore() (*RedisStore, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return NewRedisStore(db, 10*time.Minute), mock
}

func TestRedisStore_Insert(t *testing.T) {
	store, mock := setupRedisStore()
	defer mock.ClearExpect()

	n := Nonce{Value: "abc123", IssuedAt: t0, ExpiresAt: t0.Add(600 * time.Second)}
	args := []interface{}{t0.UnixMilli(), n.ExpiresAt.UnixMilli(), n.ExpiresAt.Add(10 * time.Minute).UnixMilli()}

	mock.ExpectEval(insertNonceScript, []string{"nonce:abc123"}, args...).SetVal(int64(1))
	assert.NoError(t, store.Insert(context.Background(), n))

	mock.ExpectEval(insertNonceScript, []string{"nonce:abc123"}, args...).SetVal(int64(0))
	assert.ErrorIs(t, store.Insert(context.Background(), n), ErrDuplicate)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_ConsumeOutcomes(t *testing.T) {
	now := t0.Add(5 * time.Second)
	tests := []struct {
		name    string
		result  int64
		wantErr error
	}{
		{name: "ok", result: 1},
		{name: "not found", result: -1, wantErr: ErrNotFound},
		{name: "already consumed", result: -2, wantErr: ErrAlreadyConsumed},
		{name: "expired", result: -3, wantErr: ErrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupRedisStore()
			defer mock.ClearExpect()

			mock.ExpectEval(consumeNonceScript, []string{"nonce:abc123"}, now.UnixMilli()).SetVal(tt.result)

			err := store.Consume(context.Background(), "abc123", now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedisStore_ConsumeTransportError(t *testing.T) {
	store, mock := setupRedisStore()
	defer mock.ClearExpect()
	ledger, _ := setupLedger(store)

	mock.ExpectEval(consumeNonceScript, []string{"nonce:abc123"}, t0.UnixMilli()).SetErr(errors.New("connection reset"))

	err := ledger.Consume(context.Background(), "abc123")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}
