package storage

import (
	"database/sql"

	"github.com/ignatij/leappflow/pkg/models"
	"github.com/ignatij/leappflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore keeps the ingestion run history.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}
	return &PostgresStore{db: db}, nil
}

// NewRunStore returns a Postgres store when connStr is set and the
// in-memory store otherwise.
func NewRunStore(connStr string) (storage.RunStore, error) {
	if connStr == "" {
		return storage.NewMockRunStore(), nil
	}
	return NewPostgresStore(connStr)
}

func (s *PostgresStore) Begin() (storage.RunStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveRun records a finished region cycle and returns its ID
func (s *PostgresStore) SaveRun(run models.IngestionRun) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO ingestion_runs
			(region, status, started_at, finished_at, fetch_from, fetched, skipped, malformed, inserted, updated, not_ready, bulk_failed, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		run.Region, run.Status, run.StartedAt, run.FinishedAt, run.FetchFrom, run.Fetched, run.Skipped, run.Malformed,
		run.Inserted, run.Updated, run.NotReady, run.BulkFailed, run.ErrorMsg).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "save run")
	}
	return id, nil
}

func (s *PostgresStore) GetRun(id int64) (models.IngestionRun, error) {
	var run models.IngestionRun
	err := s.db.Get(&run, "SELECT * FROM ingestion_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.IngestionRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.IngestionRun{}, err
	}
	return run, nil
}

// ListRuns returns the latest runs, newest first
func (s *PostgresStore) ListRuns(region string, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	runs := []models.IngestionRun{}
	err := s.db.Select(&runs, `
		SELECT * FROM ingestion_runs
		WHERE $1::text = '' OR region = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2`, region, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

func (s *PostgresStore) LastRun(region string) (models.IngestionRun, error) {
	runs, err := s.ListRuns(region, 1)
	if err != nil {
		return models.IngestionRun{}, err
	}
	if len(runs) == 0 {
		return models.IngestionRun{}, storage.ErrNotFound
	}
	return runs[0], nil
}
