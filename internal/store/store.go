// Package store is the sqlite-backed implementation of the persistence
// contract: threads, campaign flexibility state, escalation records, the
// append-only transition history, and the audit event sink.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/g960059/dealgate/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveThread upserts a thread. Every field of the model round-trips.
func (s *Store) SaveThread(ctx context.Context, th model.NegotiationThread) error {
	if th.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if th.UpdatedAt.IsZero() {
		th.UpdatedAt = time.Now().UTC()
	}
	if th.CreatedAt.IsZero() {
		th.CreatedAt = th.UpdatedAt
	}
	samples, err := json.Marshal(th.ReachSamples)
	if err != nil {
		return fmt.Errorf("marshal reach samples: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO threads(thread_id, counterpart_name, platform, deliverable, campaign_id, round, state, engagement_rate, reach_samples, last_counter, last_reply_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
	counterpart_name=excluded.counterpart_name,
	platform=excluded.platform,
	deliverable=excluded.deliverable,
	campaign_id=excluded.campaign_id,
	round=excluded.round,
	state=excluded.state,
	engagement_rate=excluded.engagement_rate,
	reach_samples=excluded.reach_samples,
	last_counter=excluded.last_counter,
	last_reply_at=excluded.last_reply_at,
	updated_at=excluded.updated_at
`, th.ThreadID, th.CounterpartName, string(th.Platform), th.Deliverable, th.CampaignID,
		th.Round, string(th.State), th.EngagementRate, string(samples),
		nullableDecimal(th.LastCounter), nullableTS(th.LastReplyAt), ts(th.CreatedAt), ts(th.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	return nil
}

func (s *Store) LoadThread(ctx context.Context, threadID string) (model.NegotiationThread, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT thread_id, counterpart_name, platform, deliverable, campaign_id, round, state, engagement_rate, reach_samples, last_counter, last_reply_at, created_at, updated_at
FROM threads WHERE thread_id = ?`, threadID)
	return scanThread(row)
}

// ListThreadsInState returns threads in a given state, oldest reply first.
// Used by the stalled-thread sweep.
func (s *Store) ListThreadsInState(ctx context.Context, state model.ThreadState) ([]model.NegotiationThread, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, counterpart_name, platform, deliverable, campaign_id, round, state, engagement_rate, reach_samples, last_counter, last_reply_at, created_at, updated_at
FROM threads WHERE state = ? ORDER BY updated_at ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()
	var out []model.NegotiationThread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (model.NegotiationThread, error) {
	var th model.NegotiationThread
	var platform, state, samples string
	var campaignID, lastCounter, lastReplyAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&th.ThreadID, &th.CounterpartName, &platform, &th.Deliverable, &campaignID,
		&th.Round, &state, &th.EngagementRate, &samples, &lastCounter, &lastReplyAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return th, ErrNotFound
	}
	if err != nil {
		return th, fmt.Errorf("scan thread: %w", err)
	}
	th.Platform = model.Platform(platform)
	th.State = model.ThreadState(state)
	if campaignID.Valid {
		th.CampaignID = &campaignID.String
	}
	if err := json.Unmarshal([]byte(samples), &th.ReachSamples); err != nil {
		return th, fmt.Errorf("unmarshal reach samples: %w", err)
	}
	if lastCounter.Valid {
		d, err := decimal.NewFromString(lastCounter.String)
		if err != nil {
			return th, fmt.Errorf("parse last counter: %w", err)
		}
		th.LastCounter = &d
	}
	if lastReplyAt.Valid {
		t, err := parseTS(lastReplyAt.String)
		if err != nil {
			return th, err
		}
		th.LastReplyAt = &t
	}
	if th.CreatedAt, err = parseTS(createdAt); err != nil {
		return th, err
	}
	if th.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return th, err
	}
	return th, nil
}

// AppendTransition records one edge of a thread's history. History rows are
// never updated or deleted.
func (s *Store) AppendTransition(ctx context.Context, rec model.TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transitions(thread_id, from_state, trigger_name, to_state, at)
VALUES (?, ?, ?, ?, ?)`,
		rec.ThreadID, string(rec.From), string(rec.Trigger), string(rec.To), ts(rec.At))
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (s *Store) ListTransitions(ctx context.Context, threadID string) ([]model.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, from_state, trigger_name, to_state, at
FROM transitions WHERE thread_id = ? ORDER BY id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	var out []model.TransitionRecord
	for rows.Next() {
		var rec model.TransitionRecord
		var from, trigger, to, at string
		if err := rows.Scan(&rec.ThreadID, &from, &trigger, &to, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.From = model.ThreadState(from)
		rec.Trigger = model.Trigger(trigger)
		rec.To = model.ThreadState(to)
		if rec.At, err = parseTS(at); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveCampaignState upserts the campaign row and appends any closed deals
// not yet persisted. Deals already stored are never rewritten.
func (s *Store) SaveCampaignState(ctx context.Context, st model.CampaignFlexibilityState) error {
	if st.CampaignID == "" {
		return fmt.Errorf("campaign_id is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save campaign: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `
INSERT INTO campaigns(campaign_id, floor_cpm, ceiling_cpm, expected_count, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(campaign_id) DO UPDATE SET
	floor_cpm=excluded.floor_cpm,
	ceiling_cpm=excluded.ceiling_cpm,
	expected_count=excluded.expected_count,
	updated_at=excluded.updated_at
`, st.CampaignID, st.FloorCPM.String(), st.CeilingCPM.String(), st.ExpectedCount, ts(st.UpdatedAt)); err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}
	var have int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM closed_deals WHERE campaign_id = ?`, st.CampaignID).Scan(&have); err != nil {
		return fmt.Errorf("count closed deals: %w", err)
	}
	for i := have; i < len(st.ClosedDeals); i++ {
		d := st.ClosedDeals[i]
		if _, err := tx.ExecContext(ctx, `
INSERT INTO closed_deals(campaign_id, price_cpm, engagement, closed_at)
VALUES (?, ?, ?, ?)`, st.CampaignID, d.PriceCPM.String(), d.Engagement, ts(d.ClosedAt)); err != nil {
			return fmt.Errorf("append closed deal: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadCampaignState(ctx context.Context, campaignID string) (model.CampaignFlexibilityState, error) {
	var st model.CampaignFlexibilityState
	var floor, ceiling, updatedAt string
	err := s.db.QueryRowContext(ctx, `
SELECT campaign_id, floor_cpm, ceiling_cpm, expected_count, updated_at
FROM campaigns WHERE campaign_id = ?`, campaignID).
		Scan(&st.CampaignID, &floor, &ceiling, &st.ExpectedCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("load campaign: %w", err)
	}
	if st.FloorCPM, err = decimal.NewFromString(floor); err != nil {
		return st, fmt.Errorf("parse floor cpm: %w", err)
	}
	if st.CeilingCPM, err = decimal.NewFromString(ceiling); err != nil {
		return st, fmt.Errorf("parse ceiling cpm: %w", err)
	}
	if st.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return st, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT price_cpm, engagement, closed_at FROM closed_deals WHERE campaign_id = ? ORDER BY id ASC`, campaignID)
	if err != nil {
		return st, fmt.Errorf("list closed deals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d model.ClosedDeal
		var price, closedAt string
		if err := rows.Scan(&price, &d.Engagement, &closedAt); err != nil {
			return st, fmt.Errorf("scan closed deal: %w", err)
		}
		if d.PriceCPM, err = decimal.NewFromString(price); err != nil {
			return st, fmt.Errorf("parse deal price: %w", err)
		}
		if d.ClosedAt, err = parseTS(closedAt); err != nil {
			return st, err
		}
		st.ClosedDeals = append(st.ClosedDeals, d)
	}
	return st, rows.Err()
}

// InsertEscalation persists a new escalation record.
func (s *Store) InsertEscalation(ctx context.Context, rec model.EscalationRecord) error {
	failures, err := json.Marshal(rec.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO escalations(escalation_id, thread_id, campaign_id, counterpart, reason_code, draft, failures, proposed_cpm, floor_cpm, ceiling_cpm, price, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EscalationID, rec.ThreadID, rec.CampaignID, rec.Counterpart, rec.ReasonCode,
		rec.Draft, string(failures), nullableDecimal(rec.ProposedCPM), nullableDecimal(rec.FloorCPM),
		nullableDecimal(rec.CeilingCPM), nullableDecimal(rec.Price), ts(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (s *Store) GetEscalation(ctx context.Context, escalationID string) (model.EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT escalation_id, thread_id, campaign_id, counterpart, reason_code, draft, failures, proposed_cpm, floor_cpm, ceiling_cpm, price, created_at, resolved_at, resolution
FROM escalations WHERE escalation_id = ?`, escalationID)
	return scanEscalation(row)
}

func (s *Store) ListOpenEscalations(ctx context.Context) ([]model.EscalationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT escalation_id, thread_id, campaign_id, counterpart, reason_code, draft, failures, proposed_cpm, floor_cpm, ceiling_cpm, price, created_at, resolved_at, resolution
FROM escalations WHERE resolved_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()
	var out []model.EscalationRecord
	for rows.Next() {
		rec, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveEscalation marks an open escalation approved or declined. Resolving
// an already-resolved record is a duplicate.
func (s *Store) ResolveEscalation(ctx context.Context, escalationID, resolution string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE escalations SET resolved_at = ?, resolution = ?
WHERE escalation_id = ? AND resolved_at IS NULL`, ts(at), resolution, escalationID)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve escalation rows: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetEscalation(ctx, escalationID); getErr != nil {
			return getErr
		}
		return ErrDuplicate
	}
	return nil
}

func scanEscalation(row rowScanner) (model.EscalationRecord, error) {
	var rec model.EscalationRecord
	var campaignID, proposed, floor, ceiling, price, resolvedAt sql.NullString
	var failures, createdAt string
	err := row.Scan(&rec.EscalationID, &rec.ThreadID, &campaignID, &rec.Counterpart, &rec.ReasonCode,
		&rec.Draft, &failures, &proposed, &floor, &ceiling, &price, &createdAt, &resolvedAt, &rec.Resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("scan escalation: %w", err)
	}
	if campaignID.Valid {
		rec.CampaignID = &campaignID.String
	}
	if err := json.Unmarshal([]byte(failures), &rec.Failures); err != nil {
		return rec, fmt.Errorf("unmarshal failures: %w", err)
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **decimal.Decimal
	}{{proposed, &rec.ProposedCPM}, {floor, &rec.FloorCPM}, {ceiling, &rec.CeilingCPM}, {price, &rec.Price}} {
		if !pair.src.Valid {
			continue
		}
		d, err := decimal.NewFromString(pair.src.String)
		if err != nil {
			return rec, fmt.Errorf("parse escalation figure: %w", err)
		}
		*pair.dst = &d
	}
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return rec, err
	}
	if resolvedAt.Valid {
		t, err := parseTS(resolvedAt.String)
		if err != nil {
			return rec, err
		}
		rec.ResolvedAt = &t
	}
	return rec, nil
}

// RecordEvent implements the audit sink contract.
func (s *Store) RecordEvent(ctx context.Context, eventType, threadID, campaignID string, payload map[string]string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO audit_events(event_id, event_type, thread_id, campaign_id, payload, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), eventType, threadID, campaignID, string(raw), ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseTS(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
