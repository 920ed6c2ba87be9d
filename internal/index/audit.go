package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AppendAudit records one immutable audit event.
func (s *Store) AppendAudit(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	dataJSON, _ := json.Marshal(orEmpty(event.AdditionalData))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, timestamp, event_type, principal, source_ip, user_agent,
			 request_id, bucket, key, operation, status, error_message, additional_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UnixNano(), event.EventType, event.Principal,
		event.SourceIP, event.UserAgent, event.RequestID,
		nullable(event.Bucket), nullable(event.Key),
		event.Operation, event.Status, nullable(event.ErrorMessage), string(dataJSON))
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// QueryAudit returns events newest first. The continuation token is the
// nanosecond timestamp of the last event of the previous page.
func (s *Store) QueryAudit(ctx context.Context, filter AuditFilter, limit int, continuationToken string) ([]*AuditEvent, string, error) {
	if limit <= 0 {
		limit = 100
	}

	where := "WHERE 1=1"
	var args []interface{}
	if filter.Principal != "" {
		where += " AND principal = ?"
		args = append(args, filter.Principal)
	}
	if filter.Bucket != "" {
		where += " AND bucket = ?"
		args = append(args, filter.Bucket)
	}
	if filter.EventType != "" {
		where += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.Operation != "" {
		where += " AND operation = ?"
		args = append(args, filter.Operation)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, filter.Until.UnixNano())
	}
	if continuationToken != "" {
		ts, err := strconv.ParseInt(continuationToken, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid continuation token: %w", err)
		}
		where += " AND timestamp < ?"
		args = append(args, ts)
	}

	args = append(args, limit+1)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, event_type, principal, source_ip, user_agent,
		       request_id, bucket, key, operation, status, error_message, additional_data
		FROM audit_events `+where+`
		ORDER BY timestamp DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		e := &AuditEvent{}
		var ts int64
		var bucket, key, errMsg sql.NullString
		var dataJSON string
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.Principal, &e.SourceIP,
			&e.UserAgent, &e.RequestID, &bucket, &key, &e.Operation, &e.Status,
			&errMsg, &dataJSON); err != nil {
			return nil, "", fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Bucket = bucket.String
		e.Key = key.String
		e.ErrorMessage = errMsg.String
		e.AdditionalData = map[string]string{}
		_ = json.Unmarshal([]byte(dataJSON), &e.AdditionalData)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextToken := ""
	if len(events) > limit {
		events = events[:limit]
		nextToken = strconv.FormatInt(events[limit-1].Timestamp.UnixNano(), 10)
	}
	return events, nextToken, nil
}

// PurgeAudit deletes events older than the retention cutoff and returns the
// number removed. This is the only way audit history is truncated.
func (s *Store) PurgeAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE timestamp < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
