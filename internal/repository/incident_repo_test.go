package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

func setupIncidentDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.GradingIncident{}))
	return db
}

func TestIncidentRepositoryCreateAndList(t *testing.T) {
	db := setupIncidentDB(t)
	repo := NewIncidentRepository(db)
	ctx := context.Background()

	now := time.Now()
	first := models.GradingIncident{
		RequestID:  "req-1",
		QuestionID: "sum-two",
		Stage:      "resolve_answer_key",
		Kind:       "no_answer_key",
		Message:    "question sum-two has no answer key",
		Context:    datatypes.JSONMap{"version": 2},
		CreatedAt:  now.Add(-time.Minute),
	}
	second := models.GradingIncident{
		RequestID:  "req-2",
		QuestionID: "sum-two",
		Stage:      "run_case",
		Kind:       "environment",
		Message:    "docker daemon unavailable",
		CreatedAt:  now,
	}
	other := models.GradingIncident{RequestID: "req-3", QuestionID: "echo", Stage: "run_case", CreatedAt: now}

	require.NoError(t, repo.Create(ctx, &first))
	require.NoError(t, repo.Create(ctx, &second))
	require.NoError(t, repo.Create(ctx, &other))
	require.NotZero(t, first.ID)

	items, total, err := repo.List(ctx, IncidentFilter{QuestionID: "sum-two"})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Equal(t, "req-2", items[0].RequestID, "expected newest incident first")
	require.EqualValues(t, 2, items[1].Context["version"])

	items, total, err = repo.List(ctx, IncidentFilter{Stage: "run_case", Page: 2, PageSize: 1})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, items, 1)
}
