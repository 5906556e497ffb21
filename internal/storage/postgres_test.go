package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/qrseal/qrseal-go/internal/model"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("qrseal_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn := startPostgres(t)
	ctx := context.Background()

	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgres(ctx, dsn)
		require.NoError(t, err)
		pg := s.(*postgres)
		// Each subtest starts from an empty table.
		_, err = pg.db.Exec(ctx, "TRUNCATE bindings")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresSaveRollsBackOnPromotionFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn := startPostgres(t)
	ctx := context.Background()

	s, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	pg := s.(*postgres)

	require.NoError(t, s.SavePreRegistration(ctx, record("doc-r", model.StatusPreRegistered, 100, 1000)))

	_, err = pg.db.Exec(ctx, `
		CREATE FUNCTION block_prereg_delete() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'pre-registration delete blocked';
		END;
		$$ LANGUAGE plpgsql;
		CREATE TRIGGER block_prereg_delete BEFORE DELETE ON bindings
			FOR EACH ROW WHEN (OLD.pre_registered) EXECUTE FUNCTION block_prereg_delete();`)
	require.NoError(t, err)

	err = s.Save(ctx, record("doc-r", model.StatusActive, 200, 1000))
	require.Error(t, err)

	got, err := s.Get(ctx, "doc-r")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPreRegistered, got.Status, "active row must not survive a failed promotion")

	all, err := s.List(ctx, model.ListBindingsQuery{})
	require.NoError(t, err)
	assert.Len(t, all.Records, 1)
}
