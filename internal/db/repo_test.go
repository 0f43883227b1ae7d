package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdwatch/internal/models"
)

func TestLatestCountsPicksNewestPerBuilding(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	seedBuildings(t, repo, ctx, models.Building{ID: 2, Name: "Library"}, models.Building{ID: 1, Name: "Lab"}, models.Building{ID: 3, Name: "Empty"})

	err := repo.InsertCounts(ctx, []models.CountSample{
		{BuildingID: 1, Count: 10, TS: now.Add(-10 * time.Minute)},
		{BuildingID: 1, Count: 95, TS: now},
		{BuildingID: 2, Count: 7, TS: now.Add(-time.Minute)},
		{BuildingID: 2, Count: 3, TS: now.Add(-5 * time.Minute)},
	})
	require.NoError(t, err)

	latest, err := repo.LatestCounts(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2, "buildings without samples are omitted")
	assert.Equal(t, int64(1), latest[0].BuildingID)
	assert.Equal(t, "Lab", latest[0].BuildingName)
	assert.Equal(t, 95, latest[0].Count)
	assert.True(t, latest[0].TS.Equal(now))
	assert.Equal(t, int64(2), latest[1].BuildingID)
	assert.Equal(t, 7, latest[1].Count)
}

func TestHistoryWindowAscending(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	seedBuildings(t, repo, ctx, models.Building{ID: 1, Name: "Lab"}, models.Building{ID: 2, Name: "Gym"})

	err := repo.InsertCounts(ctx, []models.CountSample{
		{BuildingID: 1, Count: 30, TS: now.Add(-2 * time.Minute)},
		{BuildingID: 1, Count: 10, TS: now.Add(-90 * time.Minute)},
		{BuildingID: 1, Count: 20, TS: now.Add(-30 * time.Minute)},
		{BuildingID: 2, Count: 99, TS: now.Add(-time.Minute)},
	})
	require.NoError(t, err)

	got, err := repo.History(ctx, 1, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 20, got[0].Count)
	assert.Equal(t, 30, got[1].Count)

	none, err := repo.History(ctx, 42, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpsertBuildingRenames(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedBuildings(t, repo, ctx, models.Building{ID: 1, Name: "Lab"})
	require.NoError(t, repo.UpsertBuilding(ctx, models.Building{ID: 1, Name: "Science Lab"}))

	list, err := repo.ListBuildings(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Science Lab", list[0].Name)

	ids, err := repo.BuildingIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, int64(1))
	assert.NotContains(t, ids, int64(2))
}

func TestInsertCountsRejectsUnknownBuilding(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.InsertCounts(context.Background(), []models.CountSample{{BuildingID: 9, Count: 1, TS: time.Now()}})
	require.Error(t, err)
}

func TestDeleteOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	seedBuildings(t, repo, ctx, models.Building{ID: 1, Name: "Lab"})
	require.NoError(t, repo.InsertCounts(ctx, []models.CountSample{
		{BuildingID: 1, Count: 1, TS: now.AddDate(0, 0, -20)},
		{BuildingID: 1, Count: 2, TS: now.AddDate(0, 0, -15)},
		{BuildingID: 1, Count: 3, TS: now},
	}))

	n, err := repo.DeleteOlderThan(ctx, now.AddDate(0, 0, -14))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := repo.History(ctx, 1, now.AddDate(-1, 0, 0), now)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 3, left[0].Count)
}

func TestRebind(t *testing.T) {
	q := `SELECT * FROM t WHERE a = ? AND b < ?`
	assert.Equal(t, q, rebind(DriverSQLite, q))
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b < $2`, rebind(DriverPostgres, q))
}

func TestMigrateUnknownDriver(t *testing.T) {
	repo := newTestRepo(t)
	assert.Error(t, Migrate(repo.DB(), "mysql"))
	_, err := Open("mysql", "x")
	assert.Error(t, err)
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	sqldb, err := Open(DriverSQLite, t.TempDir()+"/test.db")
	require.NoError(t, err, "open db")
	t.Cleanup(func() { _ = sqldb.Close() })
	require.NoError(t, Migrate(sqldb, DriverSQLite), "migrate db")
	return NewRepository(sqldb, DriverSQLite)
}

func seedBuildings(t *testing.T, repo *Repository, ctx context.Context, bs ...models.Building) {
	t.Helper()
	for _, b := range bs {
		require.NoError(t, repo.UpsertBuilding(ctx, b), "seed building %d", b.ID)
	}
}
