package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/pkg/fusion"
)

func decisionAt(session string, n int) *fusion.BatchResult {
	return &fusion.BatchResult{
		SessionID: session,
		UserID:    "u1",
		Timestamp: testT0.Add(time.Duration(n) * 10 * time.Second),
		Trust:     float64(n),
		Action:    fusion.ActionNone,
		State:     fusion.StateNormal,
		Risk:      fusion.RiskLow,
	}
}

func TestMemoryStoreRecentNewestFirst(t *testing.T) {
	store := NewMemoryDecisionStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, decisionAt("s1", i)))
	}
	require.NoError(t, store.Record(ctx, decisionAt("other", 99)))

	rows, err := store.Recent(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, float64(4), rows[0].Trust)
	assert.Equal(t, float64(2), rows[2].Trust)

	rows, err = store.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 5, "non-positive limit returns everything")

	rows, err = store.Recent(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func TestMemoryStoreCapsPerSession(t *testing.T) {
	store := NewMemoryDecisionStore()
	ctx := context.Background()

	for i := 0; i < store.perKey+25; i++ {
		require.NoError(t, store.Record(ctx, decisionAt("s1", i)))
	}

	rows, err := store.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, rows, store.perKey)
	assert.Equal(t, float64(store.perKey+24), rows[0].Trust, "newest survives")
	assert.Equal(t, float64(25), rows[len(rows)-1].Trust, "oldest entries dropped")
}

func TestMemoryStoreConcurrentRecord(t *testing.T) {
	store := NewMemoryDecisionStore()
	ctx := context.Background()

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 20; i++ {
				session := fmt.Sprintf("s%d", g)
				if err := store.Record(ctx, decisionAt(session, i)); err != nil {
					t.Error(err)
					return
				}
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	for g := 0; g < 4; g++ {
		rows, err := store.Recent(ctx, fmt.Sprintf("s%d", g), 0)
		require.NoError(t, err)
		assert.Len(t, rows, 20)
	}
}
