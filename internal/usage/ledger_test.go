package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mbd888/outreach/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledgerUnderTest interface {
	Ledger
	Reserver
}

func TestMemoryLedger(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) ledgerUnderTest { return NewMemoryLedger() })
}

func TestSQLiteLedger(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) ledgerUnderTest {
		db := testutil.SQLiteTest(t, "usage.db")

		l := NewSQLiteLedger(db)
		require.NoError(t, l.Migrate(context.Background()))
		return l
	})
}

func TestPostgresLedger(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) ledgerUnderTest {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresLedger(db)
	})
}

func TestRedisLedger(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) ledgerUnderTest {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisLedger(client, "")
	})
}

func runLedgerSuite(t *testing.T, newLedger func(t *testing.T) ledgerUnderTest) {
	ctx := context.Background()
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	const key = "OUTREACH-1111-2222-3333-4444"

	at := func(d time.Duration, feature string, count int64) Event {
		return Event{LicenseKey: key, Feature: feature, Timestamp: now.Add(d), Count: count}
	}

	t.Run("windowed total sums events inside the window", func(t *testing.T) {
		l := newLedger(t)
		events := []Event{
			at(-10*time.Minute, "email_generation", 2),
			at(-50*time.Minute, "email_generation", 3),
			at(-2*time.Hour, "email_generation", 7),
			at(-5*time.Minute, "ai_research", 4),
		}
		for _, ev := range events {
			require.NoError(t, l.Record(ctx, ev))
		}

		hourly, err := l.WindowedTotal(ctx, key, "email_generation", now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, int64(5), hourly)

		daily, err := l.WindowedTotal(ctx, key, "email_generation", now.Add(-24*time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, int64(12), daily)

		other, err := l.WindowedTotal(ctx, "OUTREACH-0000-0000-0000-0000", "email_generation", now.Add(-24*time.Hour), now)
		require.NoError(t, err)
		assert.Zero(t, other)
	})

	t.Run("bounds are inclusive", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Record(ctx, at(-time.Hour, "api_calls", 1)))
		require.NoError(t, l.Record(ctx, at(0, "api_calls", 1)))

		total, err := l.WindowedTotal(ctx, key, "api_calls", now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
	})

	t.Run("events outside the window do not change the total", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Record(ctx, at(-30*time.Minute, "api_calls", 3)))
		before, err := l.WindowedTotal(ctx, key, "api_calls", now.Add(-time.Hour), now)
		require.NoError(t, err)

		require.NoError(t, l.Record(ctx, at(-61*time.Minute, "api_calls", 100)))
		require.NoError(t, l.Record(ctx, at(time.Minute, "api_calls", 100)))

		after, err := l.WindowedTotal(ctx, key, "api_calls", now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("duplicate events with distinct ids are both kept", func(t *testing.T) {
		l := newLedger(t)
		ev := at(-time.Minute, "api_calls", 1)
		require.NoError(t, l.Record(ctx, ev))
		require.NoError(t, l.Record(ctx, ev))

		total, err := l.WindowedTotal(ctx, key, "api_calls", now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
	})

	t.Run("rejects invalid events", func(t *testing.T) {
		l := newLedger(t)
		assert.ErrorIs(t, l.Record(ctx, at(0, "api_calls", 0)), ErrInvalidCount)
		assert.ErrorIs(t, l.Record(ctx, Event{Feature: "api_calls", Count: 1}), ErrInvalidEvent)
		assert.ErrorIs(t, l.Record(ctx, Event{LicenseKey: key, Count: 1}), ErrInvalidEvent)
	})

	t.Run("totals group by feature and honour filters", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Record(ctx, at(-time.Minute, "email_generation", 2)))
		require.NoError(t, l.Record(ctx, at(-2*time.Minute, "email_generation", 1)))
		require.NoError(t, l.Record(ctx, at(-3*time.Minute, "ai_research", 5)))
		require.NoError(t, l.Record(ctx, at(-40*24*time.Hour, "ai_research", 9)))

		all, err := l.Totals(ctx, key, Filter{})
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"email_generation": 3, "ai_research": 14}, all)

		recent, err := l.Totals(ctx, key, Filter{Start: now.Add(-30 * 24 * time.Hour), End: now})
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"email_generation": 3, "ai_research": 5}, recent)

		one, err := l.Totals(ctx, key, Filter{Feature: "ai_research"})
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"ai_research": 14}, one)

		none, err := l.Totals(ctx, "OUTREACH-0000-0000-0000-0000", Filter{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("record if within stops at the cap", func(t *testing.T) {
		l := newLedger(t)
		windows := []Window{
			{Name: "hourly", Start: now.Add(-time.Hour), Cap: 3},
			{Name: "monthly", Start: now.Add(-30 * 24 * time.Hour), Cap: 10},
		}
		for i := 0; i < 3; i++ {
			blocked, err := l.RecordIfWithin(ctx, at(0, "email_generation", 1), windows)
			require.NoError(t, err)
			assert.Nil(t, blocked, "attempt %d", i)
		}
		blocked, err := l.RecordIfWithin(ctx, at(0, "email_generation", 1), windows)
		require.NoError(t, err)
		require.NotNil(t, blocked)
		assert.Equal(t, "hourly", blocked.Name)

		total, err := l.WindowedTotal(ctx, key, "email_generation", now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
	})

	t.Run("record if within counts the event's own units", func(t *testing.T) {
		l := newLedger(t)
		windows := []Window{{Name: "hourly", Start: now.Add(-time.Hour), Cap: 10}}
		require.NoError(t, l.Record(ctx, at(-time.Minute, "email_generation", 9)))

		blocked, err := l.RecordIfWithin(ctx, at(0, "email_generation", 50), windows)
		require.NoError(t, err)
		require.NotNil(t, blocked)
		assert.Equal(t, "hourly", blocked.Name)

		blocked, err = l.RecordIfWithin(ctx, at(0, "email_generation", 1), windows)
		require.NoError(t, err)
		assert.Nil(t, blocked, "exactly filling the cap is allowed")

		total, err := l.WindowedTotal(ctx, key, "email_generation", now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
	})

	t.Run("record if within reports the monthly window", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Record(ctx, at(-48*time.Hour, "api_calls", 10)))
		windows := []Window{
			{Name: "hourly", Start: now.Add(-time.Hour), Cap: 5},
			{Name: "monthly", Start: now.Add(-30 * 24 * time.Hour), Cap: 10},
		}
		blocked, err := l.RecordIfWithin(ctx, at(0, "api_calls", 1), windows)
		require.NoError(t, err)
		require.NotNil(t, blocked)
		assert.Equal(t, "monthly", blocked.Name)
	})

	t.Run("concurrent reservations never exceed the cap", func(t *testing.T) {
		l := newLedger(t)
		windows := []Window{{Name: "hourly", Start: now.Add(-time.Hour), Cap: 5}}

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.RecordIfWithin(ctx, at(0, "api_calls", 1), windows)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		total, err := l.WindowedTotal(ctx, key, "api_calls", now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
	})
}

func TestPrepare(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 123456789, time.UTC)

	ev, err := Prepare(Event{LicenseKey: "k", Feature: "f", Count: 1}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, now.Truncate(time.Microsecond), ev.Timestamp)

	kept, err := Prepare(Event{ID: "fixed", LicenseKey: "k", Feature: "f", Count: 2, Timestamp: now.Add(-time.Hour)}, now)
	require.NoError(t, err)
	assert.Equal(t, "fixed", kept.ID)
	assert.Equal(t, now.Add(-time.Hour).Truncate(time.Microsecond), kept.Timestamp)

	_, err = Prepare(Event{LicenseKey: "k", Feature: "f", Count: -1}, now)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestWindowAdmits(t *testing.T) {
	w := Window{Name: "hourly", Cap: 10}
	assert.True(t, w.Admits(0, 10))
	assert.True(t, w.Admits(9, 1))
	assert.False(t, w.Admits(9, 2))
	assert.False(t, w.Admits(10, 1))
}
