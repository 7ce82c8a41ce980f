// Package ledger is the durable record of federation activity: outbound jobs
// with per-target delivery status, and the idempotent inbox of received
// pushes and events. One store instance serves both roles since a node is
// simultaneously sender and receiver.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"federator/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Target is one addressee of a job.
type Target struct {
	PeerID string
	URL    string
}

type Store struct {
	DB *sql.DB
}

func nowTS() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// AddJob inserts the job row and one PENDING delivery row per target in a
// single transaction; readers never observe a job without its deliveries.
func (s Store) AddJob(ctx context.Context, originPeerID, label string, events []domain.Event, targets []Target) (string, error) {
	jobID := uuid.NewString()
	createdAt := nowTS()
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal job events: %w", err)
	}
	targetIDs := make([]string, len(targets))
	for i, t := range targets {
		targetIDs[i] = t.PeerID
	}
	targetsJSON, err := json.Marshal(targetIDs)
	if err != nil {
		return "", fmt.Errorf("marshal job targets: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin add job: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_jobs(job_id,created_at,origin_peer_id,label,events_json,targets_json) VALUES (?,?,?,?,?,?)`,
		jobID, createdAt, originPeerID, nullable(label), string(eventsJSON), string(targetsJSON))
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	for _, t := range targets {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO deliveries(delivery_id,job_id,target_peer_id,target_url,status,attempts) VALUES (?,?,?,?,?,?)`,
			uuid.NewString(), jobID, t.PeerID, t.URL, domain.StatusPending, 0)
		if err != nil {
			return "", fmt.Errorf("insert delivery for %s: %w", t.PeerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit add job: %w", err)
	}
	return jobID, nil
}

// ListJobs returns job summaries, newest first.
func (s Store) ListJobs(ctx context.Context, limit int) ([]domain.JobSummary, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT job_id,created_at,origin_peer_id,COALESCE(label,'') AS label,targets_json FROM outbox_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []domain.JobSummary
	for rows.Next() {
		var j domain.JobSummary
		var targetsJSON string
		if err := rows.Scan(&j.JobID, &j.CreatedAt, &j.OriginPeerID, &j.Label, &targetsJSON); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(targetsJSON), &j.Targets); err != nil {
			return nil, fmt.Errorf("decode job targets: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetJobEvents returns the immutable event list a job was created with.
func (s Store) GetJobEvents(ctx context.Context, jobID string) ([]domain.Event, error) {
	var eventsJSON string
	err := s.DB.QueryRowContext(ctx, `SELECT events_json FROM outbox_jobs WHERE job_id=?`, jobID).Scan(&eventsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job events: %w", err)
	}
	var events []domain.Event
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return nil, fmt.Errorf("decode job events: %w", err)
	}
	return events, nil
}

// ListDeliveries returns all delivery rows for a job ordered by target id.
func (s Store) ListDeliveries(ctx context.Context, jobID string) ([]domain.Delivery, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT target_peer_id,target_url,status,attempts,last_error,last_attempt_at,last_http_status
		 FROM deliveries WHERE job_id=? ORDER BY target_peer_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	var out []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		var lastErr sql.NullString
		var lastAt sql.NullFloat64
		var lastStatus sql.NullInt64
		if err := rows.Scan(&d.TargetPeerID, &d.TargetURL, &d.Status, &d.Attempts, &lastErr, &lastAt, &lastStatus); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if lastErr.Valid {
			d.LastError = &lastErr.String
		}
		if lastAt.Valid {
			d.LastAttemptAt = &lastAt.Float64
		}
		if lastStatus.Valid {
			v := int(lastStatus.Int64)
			d.LastHTTPStatus = &v
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDelivery overwrites the single (job, target) row. Attempts is
// caller-computed: the store records exactly what it is given.
func (s Store) UpdateDelivery(ctx context.Context, jobID, targetPeerID, status string, attempts int, lastError *string, lastAttemptAt float64, lastHTTPStatus *int) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE deliveries SET status=?, attempts=?, last_error=?, last_attempt_at=?, last_http_status=? WHERE job_id=? AND target_peer_id=?`,
		status, attempts, nullableStr(lastError), lastAttemptAt, nullableInt(lastHTTPStatus), jobID, targetPeerID)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingOrFailedTargets returns the delivery rows still owed a push.
func (s Store) PendingOrFailedTargets(ctx context.Context, jobID string) ([]domain.PendingTarget, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT target_peer_id,target_url,status,attempts FROM deliveries WHERE job_id=? AND status IN ('PENDING','FAILED')`, jobID)
	if err != nil {
		return nil, fmt.Errorf("pending targets: %w", err)
	}
	defer rows.Close()
	var out []domain.PendingTarget
	for rows.Next() {
		var t domain.PendingTarget
		if err := rows.Scan(&t.TargetPeerID, &t.TargetURL, &t.Status, &t.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddInboxEvents persists received events, idempotent on event_id. Entries
// without an event_id are skipped rather than fatal. Returns the number of
// rows actually inserted; re-delivered events count zero.
func (s Store) AddInboxEvents(ctx context.Context, events []map[string]any, fromPeerID *string) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin inbox insert: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, ev := range events {
		if ev == nil {
			continue
		}
		evID := stringField(ev, "event_id")
		if evID == "" {
			continue
		}
		evType := stringField(ev, "event_type")
		if evType == "" {
			evType = "Unknown"
		}
		originNode := nullable(stringField(ev, "origin_node"))
		createdAt := floatField(ev, "created_at")

		var docID, kind any
		if payload, ok := ev["payload"].(map[string]any); ok {
			docID = payload["doc_id"]
			kind = payload["kind"]
		}

		payloadJSON, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO inbox_events(event_id,received_at,from_peer_id,event_type,doc_id,kind,origin_node,created_at,payload_json)
			 VALUES (?,?,?,?,?,?,?,?,?)`,
			evID, nowTS(), nullableStr(fromPeerID), evType, docID, kind, originNode, createdAt, string(payloadJSON))
		if err != nil {
			return 0, fmt.Errorf("insert inbox event %s: %w", evID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit inbox insert: %w", err)
	}
	return inserted, nil
}

// AddInboxPush records one inbound wire-level request. This is an audit
// trail, never deduplicated.
func (s Store) AddInboxPush(ctx context.Context, fromPeerID, remoteAddr *string, rawBytesLen, eventsCount int, bodyObj any) (string, error) {
	pushID := uuid.NewString()
	bodyJSON, err := json.Marshal(bodyObj)
	if err != nil {
		return "", fmt.Errorf("marshal push body: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO inbox_pushes(push_id,received_at,from_peer_id,remote_addr,bytes_len,events_count,body_json) VALUES (?,?,?,?,?,?,?)`,
		pushID, nowTS(), nullableStr(fromPeerID), nullableStr(remoteAddr), rawBytesLen, eventsCount, string(bodyJSON))
	if err != nil {
		return "", fmt.Errorf("insert inbox push: %w", err)
	}
	return pushID, nil
}

// ListInboxPushes returns inbound push records, newest first.
func (s Store) ListInboxPushes(ctx context.Context, limit int) ([]domain.InboxPush, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT push_id,received_at,from_peer_id,remote_addr,bytes_len,events_count FROM inbox_pushes ORDER BY received_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox pushes: %w", err)
	}
	defer rows.Close()
	var out []domain.InboxPush
	for rows.Next() {
		var p domain.InboxPush
		var from, addr sql.NullString
		if err := rows.Scan(&p.PushID, &p.ReceivedAt, &from, &addr, &p.BytesLen, &p.EventsCount); err != nil {
			return nil, fmt.Errorf("scan inbox push: %w", err)
		}
		if from.Valid {
			p.FromPeerID = &from.String
		}
		if addr.Valid {
			p.RemoteAddr = &addr.String
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetInboxPushBody returns the full raw body stored for a push.
func (s Store) GetInboxPushBody(ctx context.Context, pushID string) (string, error) {
	var body string
	err := s.DB.QueryRowContext(ctx, `SELECT body_json FROM inbox_pushes WHERE push_id=?`, pushID).Scan(&body)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get push body: %w", err)
	}
	return body, nil
}

// ListInboxEvents returns received event rows, newest first.
func (s Store) ListInboxEvents(ctx context.Context, limit int) ([]domain.InboxEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT event_id,received_at,from_peer_id,event_type,doc_id,kind,origin_node,created_at
		 FROM inbox_events ORDER BY received_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox events: %w", err)
	}
	defer rows.Close()
	var out []domain.InboxEvent
	for rows.Next() {
		var e domain.InboxEvent
		var from, docID, kind, origin sql.NullString
		var createdAt sql.NullFloat64
		if err := rows.Scan(&e.EventID, &e.ReceivedAt, &from, &e.EventType, &docID, &kind, &origin, &createdAt); err != nil {
			return nil, fmt.Errorf("scan inbox event: %w", err)
		}
		if from.Valid {
			e.FromPeerID = &from.String
		}
		if docID.Valid {
			e.DocID = &docID.String
		}
		if kind.Valid {
			e.Kind = &kind.String
		}
		if origin.Valid {
			e.OriginNode = &origin.String
		}
		if createdAt.Valid {
			e.CreatedAt = &createdAt.Float64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetInboxEventPayload returns the full stored event JSON.
func (s Store) GetInboxEventPayload(ctx context.Context, eventID string) (string, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload_json FROM inbox_events WHERE event_id=?`, eventID).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get event payload: %w", err)
	}
	return payload, nil
}

// stringField reads a field that should be a string but tolerates peers that
// send scalars, coercing them to their text form.
func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func floatField(m map[string]any, key string) any {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
