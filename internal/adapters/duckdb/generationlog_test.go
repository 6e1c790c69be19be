package duckdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRepository_RecordAndSummarizeUsage(t *testing.T) {
	repo, err := NewRepository(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	submitted := time.Now().Add(-5 * time.Second)
	completed := time.Now()

	require.NoError(t, repo.RecordGeneration(ctx, GenerationRecord{
		ContextHandle: "handle-1",
		UserID:        "u1",
		ChannelID:     "c1",
		Model:         "anythingV5",
		Seed:          42,
		BatchSize:     4,
		SubmittedAt:   submitted,
		CompletedAt:   completed,
		Succeeded:     true,
	}))
	require.NoError(t, repo.RecordGeneration(ctx, GenerationRecord{
		ContextHandle: "handle-2",
		UserID:        "u1",
		ChannelID:     "c1",
		Model:         "deliberate",
		Seed:          7,
		BatchSize:     2,
		SubmittedAt:   submitted,
		CompletedAt:   completed,
		Succeeded:     false,
	}))

	summary, err := repo.Usage(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalRequests)
	require.Equal(t, 4, summary.TotalImages)
	require.Equal(t, 4, summary.ByModel["anythingV5"])
	require.Zero(t, summary.ByModel["deliberate"])
	require.Greater(t, summary.AverageLatency, time.Duration(0))
}

func TestRepository_RecordGeneration_IgnoresDuplicateContextHandle(t *testing.T) {
	repo, err := NewRepository(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	rec := GenerationRecord{ContextHandle: "dup", UserID: "u1", ChannelID: "c1", Model: "m", SubmittedAt: time.Now(), CompletedAt: time.Now(), Succeeded: true, BatchSize: 1}
	require.NoError(t, repo.RecordGeneration(ctx, rec))
	require.NoError(t, repo.RecordGeneration(ctx, rec))

	summary, err := repo.Usage(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalRequests)
}
