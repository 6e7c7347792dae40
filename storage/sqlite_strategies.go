package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bkaudit/core"

	"go.uber.org/zap"
)

// SQLiteStrategyStorage persists strategy definitions. Nested parts (tags,
// filter conditions, input mappings, notify groups) are stored as JSON text
// columns; the control state and version are first-class columns so the
// scheduler and reconciler can query them directly.
type SQLiteStrategyStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteStrategyStorage creates the storage handler and ensures tables.
func NewSQLiteStrategyStorage(db *SQLite, logger *zap.SugaredLogger) (*SQLiteStrategyStorage, error) {
	s := &SQLiteStrategyStorage{db: db, logger: logger}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure strategy tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStrategyStorage) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS strategies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'custom',
		tags TEXT,                -- JSON array
		filter_conditions TEXT,   -- JSON array
		period_seconds INTEGER NOT NULL,
		window_seconds INTEGER NOT NULL,
		control_state TEXT NOT NULL DEFAULT 'draft',
		last_error TEXT,
		job_handle TEXT,
		solution_id TEXT,
		bound_version INTEGER DEFAULT 0,
		input_mappings TEXT,      -- JSON array
		solution_params TEXT,     -- JSON object
		upgrade_pending INTEGER DEFAULT 0,
		notify_groups TEXT,       -- JSON array
		row_version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		created_by TEXT,
		updated_at DATETIME NOT NULL,
		updated_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_strategies_control_state ON strategies(control_state);
	CREATE INDEX IF NOT EXISTS idx_strategies_type ON strategies(type);
	CREATE INDEX IF NOT EXISTS idx_strategies_solution_id ON strategies(solution_id);
	`
	if _, err := s.db.WriteDB.Exec(query); err != nil {
		return fmt.Errorf("failed to create strategy tables: %w", err)
	}
	return nil
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CreateStrategy inserts a new strategy row.
func (s *SQLiteStrategyStorage) CreateStrategy(strategy *core.Strategy) error {
	tags, err := marshalJSON(strategy.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	filters, err := marshalJSON(strategy.FilterConditions)
	if err != nil {
		return fmt.Errorf("failed to marshal filter conditions: %w", err)
	}
	mappings, err := marshalJSON(strategy.InputMappings)
	if err != nil {
		return fmt.Errorf("failed to marshal input mappings: %w", err)
	}
	params, err := marshalJSON(strategy.SolutionParams)
	if err != nil {
		return fmt.Errorf("failed to marshal solution params: %w", err)
	}
	groups, err := marshalJSON(strategy.NotifyGroups)
	if err != nil {
		return fmt.Errorf("failed to marshal notify groups: %w", err)
	}

	_, err = s.db.WriteDB.Exec(`
		INSERT INTO strategies (
			id, name, type, category, tags, filter_conditions,
			period_seconds, window_seconds, control_state, last_error,
			job_handle, solution_id, bound_version, input_mappings,
			solution_params, upgrade_pending, notify_groups, row_version,
			created_at, created_by, updated_at, updated_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		strategy.ID, strategy.Name, string(strategy.Type), string(strategy.Category),
		tags, filters,
		int(strategy.Schedule.Period.Seconds()), int(strategy.Schedule.StatisticalWindow.Seconds()),
		string(strategy.ControlState), strategy.LastError,
		strategy.JobHandle, strategy.SolutionID, strategy.BoundVersion, mappings,
		params, boolToInt(strategy.UpgradePending), groups,
		strategy.CreatedAt, strategy.CreatedBy, strategy.UpdatedAt, strategy.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert strategy %s: %w", strategy.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStrategyStorage) scanStrategy(row interface{ Scan(...interface{}) error }) (*core.Strategy, error) {
	var (
		st                              core.Strategy
		typ, category, state            string
		tags, filters, mappings, groups sql.NullString
		solutionParams                  sql.NullString
		lastError, jobHandle, solution  sql.NullString
		createdBy, updatedBy            sql.NullString
		periodSec, windowSec            int
		upgradePending                  int
		rowVersion                      int
	)
	err := row.Scan(
		&st.ID, &st.Name, &typ, &category, &tags, &filters,
		&periodSec, &windowSec, &state, &lastError,
		&jobHandle, &solution, &st.BoundVersion, &mappings,
		&solutionParams, &upgradePending, &groups, &rowVersion,
		&st.CreatedAt, &createdBy, &st.UpdatedAt, &updatedBy,
	)
	if err == sql.ErrNoRows {
		return nil, ErrStrategyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan strategy: %w", err)
	}

	st.Type = core.StrategyType(typ)
	st.Category = core.StrategyCategory(category)
	st.ControlState = core.ControlState(state)
	st.Schedule = core.Schedule{
		Period:            time.Duration(periodSec) * time.Second,
		StatisticalWindow: time.Duration(windowSec) * time.Second,
	}
	st.LastError = lastError.String
	st.JobHandle = jobHandle.String
	st.SolutionID = solution.String
	st.UpgradePending = upgradePending == 1
	st.CreatedBy = createdBy.String
	st.UpdatedBy = updatedBy.String

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &st.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags for %s: %w", st.ID, err)
		}
	}
	if filters.Valid && filters.String != "" {
		if err := json.Unmarshal([]byte(filters.String), &st.FilterConditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal filter conditions for %s: %w", st.ID, err)
		}
	}
	if mappings.Valid && mappings.String != "" {
		if err := json.Unmarshal([]byte(mappings.String), &st.InputMappings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input mappings for %s: %w", st.ID, err)
		}
	}
	if solutionParams.Valid && solutionParams.String != "" {
		if err := json.Unmarshal([]byte(solutionParams.String), &st.SolutionParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal solution params for %s: %w", st.ID, err)
		}
	}
	if groups.Valid && groups.String != "" {
		if err := json.Unmarshal([]byte(groups.String), &st.NotifyGroups); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notify groups for %s: %w", st.ID, err)
		}
	}
	return &st, nil
}

const strategyColumns = `id, name, type, category, tags, filter_conditions,
	period_seconds, window_seconds, control_state, last_error,
	job_handle, solution_id, bound_version, input_mappings,
	solution_params, upgrade_pending, notify_groups, row_version,
	created_at, created_by, updated_at, updated_by`

// GetStrategy fetches one strategy by ID, including soft-deleted rows so
// ticket references stay resolvable.
func (s *SQLiteStrategyStorage) GetStrategy(id string) (*core.Strategy, error) {
	row := s.db.ReadDB.QueryRow(`SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	return s.scanStrategy(row)
}

// GetStrategies lists non-deleted strategies.
func (s *SQLiteStrategyStorage) GetStrategies() ([]core.Strategy, error) {
	return s.queryStrategies(`SELECT ` + strategyColumns + ` FROM strategies WHERE control_state != 'deleted' ORDER BY created_at DESC`)
}

// GetRunningStrategies returns the scheduler-eligible set. The scheduler
// derives its view from this query rather than caching its own.
func (s *SQLiteStrategyStorage) GetRunningStrategies() ([]core.Strategy, error) {
	return s.queryStrategies(`SELECT `+strategyColumns+` FROM strategies WHERE control_state = ?`, string(core.StateRunning))
}

// GetModelStrategies returns non-deleted solution-backed strategies for the
// version reconciler.
func (s *SQLiteStrategyStorage) GetModelStrategies() ([]core.Strategy, error) {
	return s.queryStrategies(`SELECT `+strategyColumns+` FROM strategies WHERE type = ? AND control_state != 'deleted'`, string(core.StrategyTypeModel))
}

func (s *SQLiteStrategyStorage) queryStrategies(query string, args ...interface{}) ([]core.Strategy, error) {
	rows, err := s.db.ReadDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []core.Strategy
	for rows.Next() {
		st, err := s.scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// UpdateStrategy rewrites a strategy row. The row version guards against
// lost updates: ErrStaleWrite means the caller read a stale copy.
func (s *SQLiteStrategyStorage) UpdateStrategy(strategy *core.Strategy) error {
	tags, err := marshalJSON(strategy.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	filters, err := marshalJSON(strategy.FilterConditions)
	if err != nil {
		return fmt.Errorf("failed to marshal filter conditions: %w", err)
	}
	mappings, err := marshalJSON(strategy.InputMappings)
	if err != nil {
		return fmt.Errorf("failed to marshal input mappings: %w", err)
	}
	params, err := marshalJSON(strategy.SolutionParams)
	if err != nil {
		return fmt.Errorf("failed to marshal solution params: %w", err)
	}
	groups, err := marshalJSON(strategy.NotifyGroups)
	if err != nil {
		return fmt.Errorf("failed to marshal notify groups: %w", err)
	}

	strategy.UpdatedAt = time.Now().UTC()
	res, err := s.db.WriteDB.Exec(`
		UPDATE strategies SET
			name = ?, type = ?, category = ?, tags = ?, filter_conditions = ?,
			period_seconds = ?, window_seconds = ?, control_state = ?, last_error = ?,
			job_handle = ?, solution_id = ?, bound_version = ?, input_mappings = ?,
			solution_params = ?, upgrade_pending = ?, notify_groups = ?,
			row_version = row_version + 1,
			updated_at = ?, updated_by = ?
		WHERE id = ?`,
		strategy.Name, string(strategy.Type), string(strategy.Category), tags, filters,
		int(strategy.Schedule.Period.Seconds()), int(strategy.Schedule.StatisticalWindow.Seconds()),
		string(strategy.ControlState), strategy.LastError,
		strategy.JobHandle, strategy.SolutionID, strategy.BoundVersion, mappings,
		params, boolToInt(strategy.UpgradePending), groups,
		strategy.UpdatedAt, strategy.UpdatedBy,
		strategy.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update strategy %s: %w", strategy.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrStrategyNotFound
	}
	return nil
}

// RecordEvaluationError writes the last evaluation failure without touching
// control state or updated_at, so a failing strategy is not rescheduled as
// if it were edited. An empty message clears the field.
func (s *SQLiteStrategyStorage) RecordEvaluationError(id, message string) error {
	res, err := s.db.WriteDB.Exec(
		`UPDATE strategies SET last_error = ? WHERE id = ?`, message, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record evaluation error for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrStrategyNotFound
	}
	return nil
}

// UpdateControlState performs an atomic compare-and-set on the control
// state. Returns ErrStaleWrite when the strategy was no longer in `from`,
// which the controller maps to a busy rejection.
func (s *SQLiteStrategyStorage) UpdateControlState(id string, from, to core.ControlState, lastError string) error {
	res, err := s.db.WriteDB.Exec(`
		UPDATE strategies
		SET control_state = ?, last_error = ?, row_version = row_version + 1, updated_at = ?
		WHERE id = ? AND control_state = ?`,
		string(to), lastError, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update control state for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetStrategy(id); getErr != nil {
			return getErr
		}
		return ErrStaleWrite
	}
	return nil
}
