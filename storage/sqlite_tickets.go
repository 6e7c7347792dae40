package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bkaudit/core"

	"go.uber.org/zap"
)

// SQLiteTicketStorage persists risk tickets plus their append-only history
// log. History rows are keyed (ticket_id, seq) with seq assigned inside the
// insert statement; the single-writer pool keeps that race-free.
type SQLiteTicketStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteTicketStorage creates the storage handler and ensures tables.
func NewSQLiteTicketStorage(db *SQLite, logger *zap.SugaredLogger) (*SQLiteTicketStorage, error) {
	s := &SQLiteTicketStorage{db: db, logger: logger}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure ticket tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteTicketStorage) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS risk_tickets (
		id TEXT PRIMARY KEY,
		strategy_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		state TEXT NOT NULL,
		close_variant TEXT NOT NULL DEFAULT '',
		assignee TEXT,
		notify_users TEXT,        -- JSON array
		tags TEXT,                -- JSON array
		false_positive_note TEXT,
		summary TEXT,
		tool_execution TEXT,      -- JSON object
		resume_point TEXT,        -- JSON object
		deferred_close INTEGER DEFAULT 0,
		hit_count INTEGER NOT NULL DEFAULT 1,
		first_detected_at DATETIME NOT NULL,
		last_detected_at DATETIME NOT NULL,
		last_operated_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ticket_history (
		ticket_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		field TEXT,
		before TEXT,
		after TEXT,
		comment TEXT,
		timestamp DATETIME NOT NULL,
		PRIMARY KEY (ticket_id, seq),
		FOREIGN KEY (ticket_id) REFERENCES risk_tickets(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_risk_tickets_state ON risk_tickets(state);
	CREATE INDEX IF NOT EXISTS idx_risk_tickets_strategy ON risk_tickets(strategy_id);
	-- Open-ticket dedup lookup: at most one open ticket per (strategy, event).
	CREATE INDEX IF NOT EXISTS idx_risk_tickets_dedup ON risk_tickets(strategy_id, event_id, state);
	CREATE INDEX IF NOT EXISTS idx_ticket_history_ticket ON ticket_history(ticket_id, seq);
	`
	if _, err := s.db.WriteDB.Exec(query); err != nil {
		return fmt.Errorf("failed to create ticket tables: %w", err)
	}
	return nil
}

// CreateTicket inserts a new ticket row.
func (s *SQLiteTicketStorage) CreateTicket(t *core.RiskTicket) error {
	notify, err := marshalJSON(t.NotifyUsers)
	if err != nil {
		return fmt.Errorf("failed to marshal notify users: %w", err)
	}
	tags, err := marshalJSON(t.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	tool, err := marshalJSON(t.ToolExecution)
	if err != nil {
		return fmt.Errorf("failed to marshal tool execution: %w", err)
	}
	resume, err := marshalJSON(t.ResumePoint)
	if err != nil {
		return fmt.Errorf("failed to marshal resume point: %w", err)
	}

	_, err = s.db.WriteDB.Exec(`
		INSERT INTO risk_tickets (
			id, strategy_id, event_id, state, close_variant, assignee,
			notify_users, tags, false_positive_note, summary,
			tool_execution, resume_point, deferred_close, hit_count,
			first_detected_at, last_detected_at, last_operated_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StrategyID, t.EventID, string(t.State), string(t.CloseVariant), t.Assignee,
		notify, tags, t.FalsePositiveNote, t.Summary,
		tool, resume, boolToInt(t.DeferredClose), t.HitCount,
		t.FirstDetectedAt, t.LastDetectedAt, t.LastOperatedAt,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ticket %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteTicketStorage) scanTicket(row interface{ Scan(...interface{}) error }) (*core.RiskTicket, error) {
	var (
		t                          core.RiskTicket
		state, variant             string
		assignee, note, summary    sql.NullString
		notify, tags, tool, resume sql.NullString
		deferred                   int
		lastOperated               sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.StrategyID, &t.EventID, &state, &variant, &assignee,
		&notify, &tags, &note, &summary,
		&tool, &resume, &deferred, &t.HitCount,
		&t.FirstDetectedAt, &t.LastDetectedAt, &lastOperated,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	t.State = core.TicketState(state)
	t.CloseVariant = core.CloseVariant(variant)
	t.Assignee = assignee.String
	t.FalsePositiveNote = note.String
	t.Summary = summary.String
	t.DeferredClose = deferred == 1
	if lastOperated.Valid {
		t.LastOperatedAt = lastOperated.Time
	}
	if notify.Valid && notify.String != "" {
		if err := json.Unmarshal([]byte(notify.String), &t.NotifyUsers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notify users for %s: %w", t.ID, err)
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &t.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags for %s: %w", t.ID, err)
		}
	}
	if tool.Valid && tool.String != "" && tool.String != "null" {
		t.ToolExecution = &core.ToolExecution{}
		if err := json.Unmarshal([]byte(tool.String), t.ToolExecution); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool execution for %s: %w", t.ID, err)
		}
	}
	if resume.Valid && resume.String != "" && resume.String != "null" {
		t.ResumePoint = &core.ResumePoint{}
		if err := json.Unmarshal([]byte(resume.String), t.ResumePoint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resume point for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

const ticketColumns = `id, strategy_id, event_id, state, close_variant, assignee,
	notify_users, tags, false_positive_note, summary,
	tool_execution, resume_point, deferred_close, hit_count,
	first_detected_at, last_detected_at, last_operated_at,
	created_at, updated_at`

// GetTicket fetches one ticket by ID.
func (s *SQLiteTicketStorage) GetTicket(id string) (*core.RiskTicket, error) {
	row := s.db.ReadDB.QueryRow(`SELECT `+ticketColumns+` FROM risk_tickets WHERE id = ?`, id)
	return s.scanTicket(row)
}

// FindOpenTicketByKey returns the open ticket for a (strategy, event) key,
// or ErrTicketNotFound. This is the dedup authority; the redis index is
// only a fast path in front of it.
func (s *SQLiteTicketStorage) FindOpenTicketByKey(strategyID, eventID string) (*core.RiskTicket, error) {
	row := s.db.ReadDB.QueryRow(`
		SELECT `+ticketColumns+` FROM risk_tickets
		WHERE strategy_id = ? AND event_id = ? AND state != 'closed'
		LIMIT 1`, strategyID, eventID)
	return s.scanTicket(row)
}

// GetTicketsByState lists tickets in a given state.
func (s *SQLiteTicketStorage) GetTicketsByState(state core.TicketState) ([]core.RiskTicket, error) {
	rows, err := s.db.ReadDB.Query(`SELECT `+ticketColumns+` FROM risk_tickets WHERE state = ? ORDER BY created_at DESC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var out []core.RiskTicket
	for rows.Next() {
		t, err := s.scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTicket rewrites a ticket row. The engine serializes mutations per
// ticket, so no compare-and-set is needed here.
func (s *SQLiteTicketStorage) UpdateTicket(t *core.RiskTicket) error {
	notify, err := marshalJSON(t.NotifyUsers)
	if err != nil {
		return fmt.Errorf("failed to marshal notify users: %w", err)
	}
	tags, err := marshalJSON(t.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	tool, err := marshalJSON(t.ToolExecution)
	if err != nil {
		return fmt.Errorf("failed to marshal tool execution: %w", err)
	}
	resume, err := marshalJSON(t.ResumePoint)
	if err != nil {
		return fmt.Errorf("failed to marshal resume point: %w", err)
	}

	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.WriteDB.Exec(`
		UPDATE risk_tickets SET
			state = ?, close_variant = ?, assignee = ?,
			notify_users = ?, tags = ?, false_positive_note = ?, summary = ?,
			tool_execution = ?, resume_point = ?, deferred_close = ?, hit_count = ?,
			last_detected_at = ?, last_operated_at = ?, updated_at = ?
		WHERE id = ?`,
		string(t.State), string(t.CloseVariant), t.Assignee,
		notify, tags, t.FalsePositiveNote, t.Summary,
		tool, resume, boolToInt(t.DeferredClose), t.HitCount,
		t.LastDetectedAt, t.LastOperatedAt, t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update ticket %s: %w", t.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrTicketNotFound
	}
	return nil
}

// AppendHistory appends one operation record, assigning the next sequence
// number for the ticket.
func (s *SQLiteTicketStorage) AppendHistory(rec *core.OperationRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.WriteDB.Exec(`
		INSERT INTO ticket_history (ticket_id, seq, actor, action, field, before, after, comment, timestamp)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?
		FROM ticket_history WHERE ticket_id = ?`,
		rec.TicketID, rec.Actor, rec.Action, rec.Field, rec.Before, rec.After, rec.Comment, rec.Timestamp,
		rec.TicketID,
	)
	if err != nil {
		return fmt.Errorf("failed to append history for ticket %s: %w", rec.TicketID, err)
	}
	return nil
}

// GetHistory returns a ticket's operation records in sequence order.
func (s *SQLiteTicketStorage) GetHistory(ticketID string) ([]core.OperationRecord, error) {
	rows, err := s.db.ReadDB.Query(`
		SELECT ticket_id, seq, actor, action, field, before, after, comment, timestamp
		FROM ticket_history WHERE ticket_id = ? ORDER BY seq`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for ticket %s: %w", ticketID, err)
	}
	defer rows.Close()

	var out []core.OperationRecord
	for rows.Next() {
		var (
			rec                           core.OperationRecord
			field, before, after, comment sql.NullString
		)
		if err := rows.Scan(&rec.TicketID, &rec.Seq, &rec.Actor, &rec.Action,
			&field, &before, &after, &comment, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.Field = field.String
		rec.Before = before.String
		rec.After = after.String
		rec.Comment = comment.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
