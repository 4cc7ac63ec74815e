package license

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mbd888/outreach/internal/pagination"
	"github.com/mbd888/outreach/internal/testutil"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every Store implementation must pass the same behaviour suite.

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		db := testutil.SQLiteTest(t, "licenses.db")

		s := NewSQLiteStore(db)
		require.NoError(t, s.Migrate(context.Background()))
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	mk := func(key, owner string, created time.Time) *License {
		exp := created.Add(30 * 24 * time.Hour)
		return &License{
			Key:         key,
			Owner:       owner,
			Tier:        tier.Pro,
			CustomerRef: "cus_1",
			BillingRef:  "sub_1",
			CreatedAt:   created,
			ExpiresAt:   &exp,
			Active:      true,
			Metadata:    map[string]string{MetaCreatedVia: ViaStripe},
		}
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		in := mk("OUTREACH-0000-0000-0000-0001", "a@example.com", base)
		require.NoError(t, s.Create(ctx, in))

		got, err := s.Get(ctx, in.Key)
		require.NoError(t, err)
		assert.Equal(t, in.Key, got.Key)
		assert.Equal(t, in.Owner, got.Owner)
		assert.Equal(t, tier.Pro, got.Tier)
		assert.Equal(t, "cus_1", got.CustomerRef)
		assert.Equal(t, "sub_1", got.BillingRef)
		assert.True(t, got.CreatedAt.Equal(base))
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(*in.ExpiresAt))
		assert.True(t, got.Active)
		assert.Equal(t, ViaStripe, got.Metadata[MetaCreatedVia])
	})

	t.Run("non-expiring license round trips nil expiry", func(t *testing.T) {
		s := newStore(t)
		in := mk("OUTREACH-0000-0000-0000-0002", "b@example.com", base)
		in.Tier = tier.Enterprise
		in.ExpiresAt = nil
		in.BillingRef = ""
		require.NoError(t, s.Create(ctx, in))

		got, err := s.Get(ctx, in.Key)
		require.NoError(t, err)
		assert.Nil(t, got.ExpiresAt)
		assert.Empty(t, got.BillingRef)
	})

	t.Run("duplicate key", func(t *testing.T) {
		s := newStore(t)
		in := mk("OUTREACH-0000-0000-0000-0003", "c@example.com", base)
		require.NoError(t, s.Create(ctx, in))
		assert.ErrorIs(t, s.Create(ctx, in), ErrDuplicateKey)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "OUTREACH-FFFF-FFFF-FFFF-FFFF")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set active is idempotent", func(t *testing.T) {
		s := newStore(t)
		in := mk("OUTREACH-0000-0000-0000-0004", "d@example.com", base)
		require.NoError(t, s.Create(ctx, in))

		require.NoError(t, s.SetActive(ctx, in.Key, false))
		require.NoError(t, s.SetActive(ctx, in.Key, false))
		got, err := s.Get(ctx, in.Key)
		require.NoError(t, err)
		assert.False(t, got.Active)

		require.NoError(t, s.SetActive(ctx, in.Key, true))
		got, err = s.Get(ctx, in.Key)
		require.NoError(t, err)
		assert.True(t, got.Active)

		assert.ErrorIs(t, s.SetActive(ctx, "OUTREACH-FFFF-FFFF-FFFF-FFFF", false), ErrNotFound)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		s := newStore(t)
		in := mk("OUTREACH-0000-0000-0000-0005", "e@example.com", base)
		require.NoError(t, s.Create(ctx, in))

		got, err := s.Get(ctx, in.Key)
		require.NoError(t, err)
		got.Active = false
		got.Metadata["x"] = "y"

		again, err := s.Get(ctx, in.Key)
		require.NoError(t, err)
		assert.True(t, again.Active)
		assert.NotContains(t, again.Metadata, "x")
	})

	t.Run("list by billing ref", func(t *testing.T) {
		s := newStore(t)
		first := mk("OUTREACH-0000-0000-0000-0006", "f@example.com", base)
		second := mk("OUTREACH-0000-0000-0000-0007", "f@example.com", base.Add(time.Hour))
		other := mk("OUTREACH-0000-0000-0000-0008", "g@example.com", base)
		other.BillingRef = "sub_2"
		for _, l := range []*License{first, second, other} {
			require.NoError(t, s.Create(ctx, l))
		}

		got, err := s.ListByBillingRef(ctx, "sub_1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, second.Key, got[0].Key)
		assert.Equal(t, first.Key, got[1].Key)

		none, err := s.ListByBillingRef(ctx, "sub_missing")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("list by owner pages newest first", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			l := mk(fmt.Sprintf("OUTREACH-0000-0000-0001-000%d", i), "Owner@Example.com", base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, s.Create(ctx, l))
		}
		require.NoError(t, s.Create(ctx, mk("OUTREACH-0000-0000-0002-0000", "someone@else.com", base)))

		page1, err := s.ListByOwner(ctx, "owner@example.com", 3, nil)
		require.NoError(t, err)
		require.Len(t, page1, 3)
		assert.Equal(t, "OUTREACH-0000-0000-0001-0004", page1[0].Key)
		assert.Equal(t, "OUTREACH-0000-0000-0001-0002", page1[2].Key)

		last := page1[len(page1)-1]
		page2, err := s.ListByOwner(ctx, "owner@example.com", 3, &pagination.Cursor{CreatedAt: last.CreatedAt, Key: last.Key})
		require.NoError(t, err)
		require.Len(t, page2, 2)
		assert.Equal(t, "OUTREACH-0000-0000-0001-0001", page2[0].Key)
		assert.Equal(t, "OUTREACH-0000-0000-0001-0000", page2[1].Key)
	})

	t.Run("rejects invalid record", func(t *testing.T) {
		s := newStore(t)
		bad := mk("", "h@example.com", base)
		assert.ErrorIs(t, s.Create(ctx, bad), ErrInvalid)
	})
}
