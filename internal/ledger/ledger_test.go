package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatmatch/internal/report"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func alerts(ids ...string) []*report.Alert {
	out := make([]*report.Alert, len(ids))
	for i, id := range ids {
		out[i] = &report.Alert{ID: id, Rule: "ti", CreatedAt: time.Now()}
	}
	return out
}

func ids(as []*report.Alert) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.ID
	}
	return out
}

func TestLedger_IsEnabled(t *testing.T) {
	tests := []struct {
		name     string
		client   *redis.Client
		enabled  bool
		expected bool
	}{
		{name: "enabled with client", client: &redis.Client{}, enabled: true, expected: true},
		{name: "disabled", client: &redis.Client{}, enabled: false, expected: false},
		{name: "no client", client: nil, enabled: true, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, New(tt.client, tt.enabled, time.Minute).IsEnabled())
		})
	}
}

func TestLedger_Filter(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	l := New(client, true, time.Hour)
	ctx := context.Background()

	t.Run("first run keeps everything", func(t *testing.T) {
		fresh, err := l.Filter(ctx, "ti", alerts("a", "b"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(fresh))
	})

	t.Run("second run drops reported alerts", func(t *testing.T) {
		fresh, err := l.Filter(ctx, "ti", alerts("a", "b", "c"))
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(fresh))
	})

	t.Run("rules do not share alerts", func(t *testing.T) {
		fresh, err := l.Filter(ctx, "other", alerts("a"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(fresh))
	})

	t.Run("ttl expiry reports again", func(t *testing.T) {
		mr.FastForward(2 * time.Hour)
		fresh, err := l.Filter(ctx, "ti", alerts("a"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(fresh))
	})

	t.Run("release reports again", func(t *testing.T) {
		require.NoError(t, l.Release(ctx, "ti", alerts("c")))
		fresh, err := l.Filter(ctx, "ti", alerts("c"))
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(fresh))
	})
}

func TestLedger_FilterFailsOpen(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer client.Close()
	mr.Close()

	l := New(client, true, time.Hour)
	in := alerts("a", "b")
	fresh, err := l.Filter(context.Background(), "ti", in)
	require.Error(t, err)
	assert.Equal(t, in, fresh)
}

func TestLedger_Disabled(t *testing.T) {
	l := New(nil, true, 0)
	in := alerts("a")

	fresh, err := l.Filter(context.Background(), "ti", in)
	require.NoError(t, err)
	assert.Equal(t, in, fresh)

	cp, err := l.Checkpoint(context.Background(), "ti")
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.NoError(t, l.SetCheckpoint(context.Background(), "ti", time.Now()))
}

func TestLedger_Checkpoint(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	l := New(client, true, time.Hour)
	ctx := context.Background()

	cp, err := l.Checkpoint(ctx, "ti")
	require.NoError(t, err)
	assert.Nil(t, cp)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.SetCheckpoint(ctx, "ti", at))

	cp, err = l.Checkpoint(ctx, "ti")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, at.Equal(*cp))
}
