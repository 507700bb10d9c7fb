package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/checkout?sslmode=disable", MigrateURL("postgres://u:p@localhost:5432/checkout?sslmode=disable"))
	require.Equal(t, "pgx5://localhost/checkout", MigrateURL("postgresql://localhost/checkout"))
	require.Equal(t, "pgx5://already", MigrateURL("pgx5://already"))
}

func TestEmbeddedMigrationsAreReadable(t *testing.T) {
	src, err := iofs.New(migrationsFS, "migrations")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	require.Equal(t, uint(1), first)

	up, ident, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	require.Equal(t, "init", ident)
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: UniqueViolation})
	require.True(t, IsUniqueViolation(err))
	require.False(t, IsUniqueViolation(errors.New("boom")))
}
