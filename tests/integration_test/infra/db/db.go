// Package db provisions a throwaway PostgreSQL container for integration
// tests and points the process configuration at it.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opengisch/fieldq/internal/db"
)

func SetupContainer(ctx context.Context) (testcontainers.Container, *db.DB, string) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "fieldq",
			"POSTGRES_PASSWORD": "fieldq123",
			"POSTGRES_DB":       "fieldq",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		panic(err)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")

	POSTGRES_URL := fmt.Sprintf(
		"postgres://fieldq:fieldq123@%s:%s/fieldq?sslmode=disable",
		host,
		port.Port(),
	)

	os.Setenv("POSTGRES_URL", POSTGRES_URL)

	database, err := db.New(ctx)
	if err != nil {
		panic(err)
	}
	if err := database.Migrate(MigrationsDir()); err != nil {
		panic(err)
	}
	return container, database, POSTGRES_URL
}

// MigrationsDir resolves the migrations directory relative to this source
// file, so tests work regardless of the package they run from.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	root := filepath.Join(filepath.Dir(file), "..", "..", "..", "..")
	return filepath.Join(root, "internal", "db", "migrations")
}
