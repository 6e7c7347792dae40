package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"bkaudit/core"

	"go.uber.org/zap"
)

// SQLiteSolutionStorage persists solution releases. Each release is a row;
// the latest version per solution ID is what the reconciler compares bound
// versions against.
type SQLiteSolutionStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteSolutionStorage creates the storage handler and ensures tables.
func NewSQLiteSolutionStorage(db *SQLite, logger *zap.SugaredLogger) (*SQLiteSolutionStorage, error) {
	s := &SQLiteSolutionStorage{db: db, logger: logger}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure solution tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteSolutionStorage) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS solution_releases (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		release_tag TEXT,
		released_by TEXT,
		released_at DATETIME NOT NULL,
		input_fields TEXT,   -- JSON array of field declarations
		output_fields TEXT,  -- JSON array of field declarations
		params_schema TEXT,
		PRIMARY KEY (id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_solution_releases_id ON solution_releases(id, version DESC);
	`
	if _, err := s.db.WriteDB.Exec(query); err != nil {
		return fmt.Errorf("failed to create solution tables: %w", err)
	}
	return nil
}

// SaveRelease inserts one solution release.
func (s *SQLiteSolutionStorage) SaveRelease(sol *core.Solution) error {
	inputs, err := marshalJSON(sol.InputFields)
	if err != nil {
		return fmt.Errorf("failed to marshal input fields: %w", err)
	}
	outputs, err := marshalJSON(sol.OutputFields)
	if err != nil {
		return fmt.Errorf("failed to marshal output fields: %w", err)
	}

	_, err = s.db.WriteDB.Exec(`
		INSERT INTO solution_releases (
			id, version, name, description, release_tag, released_by,
			released_at, input_fields, output_fields, params_schema
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sol.ID, sol.Version, sol.Name, sol.Description, sol.ReleaseTag, sol.ReleasedBy,
		sol.ReleasedAt, inputs, outputs, sol.ParamsSchema,
	)
	if err != nil {
		return fmt.Errorf("failed to insert solution release %s v%d: %w", sol.ID, sol.Version, err)
	}
	return nil
}

func (s *SQLiteSolutionStorage) scanSolution(row *sql.Row) (*core.Solution, error) {
	var (
		sol                     core.Solution
		description, tag, by    sql.NullString
		inputs, outputs, schema sql.NullString
	)
	err := row.Scan(&sol.ID, &sol.Version, &sol.Name, &description, &tag, &by,
		&sol.ReleasedAt, &inputs, &outputs, &schema)
	if err == sql.ErrNoRows {
		return nil, ErrSolutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan solution: %w", err)
	}
	sol.Description = description.String
	sol.ReleaseTag = tag.String
	sol.ReleasedBy = by.String
	sol.ParamsSchema = schema.String
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &sol.InputFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input fields for %s: %w", sol.ID, err)
		}
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &sol.OutputFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output fields for %s: %w", sol.ID, err)
		}
	}
	return &sol, nil
}

// GetLatest returns the newest release of a solution.
func (s *SQLiteSolutionStorage) GetLatest(id string) (*core.Solution, error) {
	row := s.db.ReadDB.QueryRow(`
		SELECT id, version, name, description, release_tag, released_by,
		       released_at, input_fields, output_fields, params_schema
		FROM solution_releases WHERE id = ?
		ORDER BY version DESC LIMIT 1`, id)
	return s.scanSolution(row)
}

// GetRelease returns one specific release.
func (s *SQLiteSolutionStorage) GetRelease(id string, version int) (*core.Solution, error) {
	row := s.db.ReadDB.QueryRow(`
		SELECT id, version, name, description, release_tag, released_by,
		       released_at, input_fields, output_fields, params_schema
		FROM solution_releases WHERE id = ? AND version = ?`, id, version)
	return s.scanSolution(row)
}
