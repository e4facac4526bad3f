package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/infra/store"
)

func newStore(t *testing.T) *store.Badger {
	t.Helper()
	b, err := store.OpenInMemory(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSetGet(t *testing.T) {
	b := newStore(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))

	got, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), got)
}

func TestGetAbsent(t *testing.T) {
	b := newStore(t)

	_, found, err := b.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestExpiredReadsAsAbsent(t *testing.T) {
	b := newStore(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Second))
	time.Sleep(1100 * time.Millisecond)

	_, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestIncr(t *testing.T) {
	b := newStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := b.Incr(ctx, "ctr", time.Hour)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	n, err := b.GetCounter(ctx, "ctr")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestGetCounterAbsentIsZero(t *testing.T) {
	b := newStore(t)

	n, err := b.GetCounter(context.Background(), "nope")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAppendListCapsEntries(t *testing.T) {
	b := newStore(t)
	ctx := context.Background()

	for _, v := range []string{`"a"`, `"b"`, `"c"`, `"d"`} {
		require.NoError(t, b.AppendList(ctx, "list", []byte(v), 3, time.Hour))
	}

	got, err := b.GetList(ctx, "list")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, `"b"`, string(got[0]))
	require.Equal(t, `"d"`, string(got[2]))
}

func TestProfileRoundTrip(t *testing.T) {
	b := newStore(t)
	ctx := context.Background()

	profile := &domain.UserEngagementProfile{
		UserID:       "user-1",
		Timezone:     "America/Sao_Paulo",
		QualityScore: 72,
		Caps: map[domain.ChannelType]domain.FrequencyCaps{
			domain.ChannelEmail: {MaxPerDay: 5, MaxPerWeek: 20, MaxPerMonth: 60},
		},
	}
	require.NoError(t, b.SaveProfile(ctx, profile))

	got, err := b.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "America/Sao_Paulo", got.Timezone)
	require.Equal(t, 72, got.QualityScore)
	require.Equal(t, 5, got.Caps[domain.ChannelEmail].MaxPerDay)
}

func TestGetProfileAbsent(t *testing.T) {
	b := newStore(t)

	_, err := b.GetProfile(context.Background(), "ghost")
	var notFound *domain.ErrNotFound
	require.ErrorAs(t, err, &notFound)
}
