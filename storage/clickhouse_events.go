package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bkaudit/core"
	"bkaudit/metrics"

	"go.uber.org/zap"
)

// ClickHouseEventStorage persists and queries operation-log events.
type ClickHouseEventStorage struct {
	ch     *ClickHouse
	logger *zap.SugaredLogger
}

// NewClickHouseEventStorage creates the event storage handler.
func NewClickHouseEventStorage(ch *ClickHouse, logger *zap.SugaredLogger) *ClickHouseEventStorage {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ClickHouseEventStorage{ch: ch, logger: logger}
}

// InsertEvents batch-inserts reported events.
func (s *ClickHouseEventStorage) InsertEvents(ctx context.Context, events []*core.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.ch.Conn.PrepareBatch(ctx, `
		INSERT INTO audit_events (
			event_id, source_system, timestamp, username, action_id,
			resource_type, instance_id, result_code, result_content, extend_data
		)`)
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}
	for _, ev := range events {
		extend := ""
		if len(ev.ExtendData) > 0 {
			data, err := json.Marshal(ev.ExtendData)
			if err != nil {
				return fmt.Errorf("failed to marshal extend data for %s: %w", ev.EventID, err)
			}
			extend = string(data)
		}
		if err := batch.Append(
			ev.EventID, ev.SourceSystem, ev.Timestamp, ev.Username, ev.ActionID,
			ev.ResourceType, ev.InstanceID, ev.ResultCode, ev.ResultContent, extend,
		); err != nil {
			return fmt.Errorf("failed to append event %s: %w", ev.EventID, err)
		}
		metrics.EventsIngested.WithLabelValues(ev.SourceSystem).Inc()
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send event batch: %w", err)
	}
	return nil
}

// QueryWindow returns events in [from, to), the statistical window one
// strategy evaluation runs over.
func (s *ClickHouseEventStorage) QueryWindow(ctx context.Context, from, to time.Time) ([]*core.Event, error) {
	rows, err := s.ch.Conn.Query(ctx, `
		SELECT event_id, source_system, timestamp, username, action_id,
		       resource_type, instance_id, result_code, result_content, extend_data
		FROM audit_events
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query event window: %w", err)
	}
	defer rows.Close()

	var out []*core.Event
	for rows.Next() {
		var (
			ev     core.Event
			extend string
		)
		if err := rows.Scan(&ev.EventID, &ev.SourceSystem, &ev.Timestamp, &ev.Username, &ev.ActionID,
			&ev.ResourceType, &ev.InstanceID, &ev.ResultCode, &ev.ResultContent, &extend); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if extend != "" {
			if err := json.Unmarshal([]byte(extend), &ev.ExtendData); err != nil {
				s.logger.Warnf("Corrupt extend data on event %s: %v", ev.EventID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
