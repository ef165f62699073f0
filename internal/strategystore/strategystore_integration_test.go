//go:build integration

// These tests run strategystore against a real Postgres container via
// testcontainers-go/modules/postgres rather than mocking pgx — the
// same container-backed approach the teacher's go.mod already pulled
// in but never itself exercised with a test file.
package strategystore

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE strategies (
	strategyid BIGSERIAL PRIMARY KEY,
	userid BIGINT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	pythoncode TEXT NOT NULL,
	version INT NOT NULL,
	createdat TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	alertactive BOOLEAN NOT NULL DEFAULT false,
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	min_timeframe TEXT NOT NULL DEFAULT '',
	alert_universe_full TEXT[],
	is_active BOOLEAN NOT NULL DEFAULT true
);
`

func newTestStore(t *testing.T) *Store {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("strategies"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, schema)
	require.NoError(t, err)

	return &Store{DB: pool, Logger: zap.NewNop().Sugar()}
}

func TestSaveStrategyCreatesVersionOne(t *testing.T) {
	store := newTestStore(t)

	saved, err := store.SaveStrategy(context.Background(), SaveInput{
		UserID:       1,
		Name:         "momentum",
		PythonCode:   "def strategy():\n    return []\n",
		MinTimeframe: "1d",
	})
	require.NoError(t, err)
	require.Equal(t, 1, saved.Version)
	require.Equal(t, "momentum", saved.Name)
}

func TestSaveStrategyAppendsNextVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.SaveStrategy(ctx, SaveInput{
		UserID: 1, Name: "momentum", PythonCode: "def strategy():\n    return []\n",
	})
	require.NoError(t, err)

	id := first.StrategyID
	second, err := store.SaveStrategy(ctx, SaveInput{
		UserID: 1, Name: "momentum", PythonCode: "def strategy():\n    return [1]\n",
		StrategyID: &id,
	})
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)

	code, version, err := store.FetchStrategyCode(ctx, 1, id, nil)
	require.NoError(t, err)
	require.Equal(t, 2, version)
	require.Contains(t, code, "[1]")
}

func TestFetchStrategyCodeFallsBackToLatestOnMissingVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	saved, err := store.SaveStrategy(ctx, SaveInput{
		UserID: 1, Name: "momentum", PythonCode: "def strategy():\n    return []\n",
	})
	require.NoError(t, err)

	missing := 99
	code, version, err := store.FetchStrategyCode(ctx, 1, saved.StrategyID, &missing)
	require.NoError(t, err)
	require.Equal(t, 1, version)
	require.NotEmpty(t, code)
}

func TestFetchStrategyCodeNotFound(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.FetchStrategyCode(context.Background(), 1, 12345, nil)
	require.ErrorIs(t, err, ErrNotFound)
}
