package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB holds the test database connection and container
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

// MigrationsURL points golang-migrate at the repository migrations.
func MigrationsURL() string {
	_, file, _, _ := runtime.Caller(0)
	return "file://" + filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// SetupTestDB starts a PostgreSQL container, applies the migrations and
// returns a connected DB. The test is skipped when the DB_* variables are
// missing or the container cannot be started.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}

	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	dbHost := os.Getenv("DB_HOST")
	if dbUsername == "" || dbPassword == "" || dbName == "" || dbHost == "" {
		t.Skip("Missing DB_USERNAME, DB_PASSWORD, DB_NAME or DB_HOST; skipping database test")
	}

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     dbUsername,
			"POSTGRES_PASSWORD": dbPassword,
			"POSTGRES_DB":       dbName,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	td := &TestDB{container: pgContainer}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		td.fail(t, "Failed to map port: %v", err)
	}
	td.ConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, port.Port(), dbName)

	db, err := sqlx.Open("postgres", td.ConnStr)
	if err != nil {
		td.fail(t, "Failed to connect to test DB: %v", err)
	}
	td.DB = db

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		td.fail(t, "Failed to ping test DB after retries: %v", err)
	}

	m, err := migrate.New(MigrationsURL(), td.ConnStr)
	if err != nil {
		td.fail(t, "Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		td.fail(t, "Failed to apply migrations: %v", err)
	}

	return td
}

func (td *TestDB) fail(t *testing.T, format string, args ...interface{}) {
	t.Helper()
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Logf("Failed to terminate container: %v", err)
	}
	t.Fatalf(format, args...)
}

// Teardown cleans up the test database and container
func (td *TestDB) Teardown(t *testing.T) {
	if td.DB != nil {
		if err := td.DB.Close(); err != nil {
			t.Errorf("Failed to close DB connection: %v", err)
		}
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}
