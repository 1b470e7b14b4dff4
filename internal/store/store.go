// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store persists detection results to SQLite. One completed
// flow becomes one transaction: flow, prediction and anomaly rows
// always, an alert row only when the verdict warrants one.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"grimm.is/nds/internal/errors"
)

// maxCleanupBatches caps how many delete batches one retention run may
// issue so a huge backlog cannot monopolise the database.
const maxCleanupBatches = 20

// FlowRecord is one persisted flow summary.
type FlowRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	SrcIP            string    `json:"src_ip"`
	DstIP            string    `json:"dst_ip"`
	SrcPort          int       `json:"src_port"`
	DstPort          int       `json:"dst_port"`
	Protocol         int       `json:"protocol"`
	Duration         float64   `json:"duration"`
	TotalFwdPackets  int64     `json:"total_fwd_packets"`
	TotalBwdPackets  int64     `json:"total_bwd_packets"`
	TotalBytes       int64     `json:"total_bytes"`
	CompletionReason string    `json:"completion_reason"`
}

// PredictionRecord is one classifier output row.
type PredictionRecord struct {
	ID                 string             `json:"id"`
	FlowID             string             `json:"flow_id"`
	Timestamp          time.Time          `json:"timestamp"`
	PredictedLabel     string             `json:"predicted_label"`
	Confidence         float64            `json:"confidence"`
	ClassProbabilities map[string]float64 `json:"class_probabilities"`
}

// AnomalyRecord is one anomaly-detector output row.
type AnomalyRecord struct {
	ID                  string    `json:"id"`
	FlowID              string    `json:"flow_id"`
	Timestamp           time.Time `json:"timestamp"`
	ReconstructionError float64   `json:"reconstruction_error"`
	AnomalyScore        float64   `json:"anomaly_score"`
	ThresholdUsed       float64   `json:"threshold_used"`
	IsAnomaly           bool      `json:"is_anomaly"`
}

// AlertMetadata is the JSON blob attached to an alert row.
type AlertMetadata struct {
	SrcIP                string  `json:"src_ip"`
	DstIP                string  `json:"dst_ip"`
	Priority             int     `json:"priority"`
	Reasoning            string  `json:"reasoning"`
	SupervisedConfidence float64 `json:"supervised_confidence"`
	AnomalyScore         float64 `json:"anomaly_score"`
}

// AlertRecord is one alert row. AttackType is empty for anomalies with
// no classified attack and stored as NULL.
type AlertRecord struct {
	ID          string        `json:"id"`
	FlowID      string        `json:"flow_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Severity    string        `json:"severity"`
	AttackType  string        `json:"attack_type,omitempty"`
	ThreatScore float64       `json:"threat_score"`
	Decision    string        `json:"decision"`
	Status      string        `json:"status"`
	Priority    int           `json:"priority"`
	Metadata    AlertMetadata `json:"metadata"`
}

// Detection bundles everything persisted for one completed flow.
// Alert is nil when the decision was normal.
type Detection struct {
	Flow       FlowRecord
	Prediction PredictionRecord
	Anomaly    AnomalyRecord
	Alert      *AlertRecord
}

// AlertFilter narrows alert queries. Zero values mean no filter.
type AlertFilter struct {
	Severity string
	Status   string
	Limit    int
	Offset   int
}

// SourceCount is one entry of the top-sources ranking.
type SourceCount struct {
	SrcIP  string `json:"src_ip"`
	Alerts int64  `json:"alerts"`
}

// AlertStats aggregates alerts over a time window.
type AlertStats struct {
	Since      time.Time        `json:"since"`
	Total      int64            `json:"total"`
	BySeverity map[string]int64 `json:"by_severity"`
	ByDecision map[string]int64 `json:"by_decision"`
	TopSources []SourceCount    `json:"top_sources"`
}

// Store handles persistence of detection results to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the detection database, creating the parent
// directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, errors.KindUnavailable, "create db directory %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open detection db %s", path)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "init detection schema")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL, -- Unix timestamp
		src_ip TEXT NOT NULL,
		dst_ip TEXT NOT NULL,
		src_port INTEGER NOT NULL,
		dst_port INTEGER NOT NULL,
		protocol INTEGER NOT NULL,
		duration REAL NOT NULL,
		total_fwd_packets INTEGER NOT NULL,
		total_bwd_packets INTEGER NOT NULL,
		total_bytes INTEGER NOT NULL,
		completion_reason TEXT NOT NULL,
		raw_features TEXT
	);
	CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		predicted_label TEXT NOT NULL,
		confidence REAL NOT NULL,
		class_probabilities TEXT
	);
	CREATE TABLE IF NOT EXISTS anomaly_scores (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		reconstruction_error REAL NOT NULL,
		anomaly_score REAL NOT NULL,
		threshold_used REAL NOT NULL,
		is_anomaly BOOLEAN NOT NULL
	);
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		severity TEXT NOT NULL,
		attack_type TEXT,
		threat_score REAL NOT NULL,
		decision TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_flows_timestamp ON flows(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_severity_time ON alerts(severity, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_flow ON alerts(flow_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveDetection writes one flow's results atomically. Any failure
// rolls back every row.
func (s *Store) SaveDetection(ctx context.Context, d Detection) error {
	if d.Flow.ID == "" {
		d.Flow.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "begin detection tx")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flows (id, timestamp, src_ip, dst_ip, src_port, dst_port, protocol,
			duration, total_fwd_packets, total_bwd_packets, total_bytes, completion_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Flow.ID, d.Flow.Timestamp.Unix(), d.Flow.SrcIP, d.Flow.DstIP,
		d.Flow.SrcPort, d.Flow.DstPort, d.Flow.Protocol, d.Flow.Duration,
		d.Flow.TotalFwdPackets, d.Flow.TotalBwdPackets, d.Flow.TotalBytes,
		d.Flow.CompletionReason,
	)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindTransient, "insert flow")
	}

	probs, err := json.Marshal(d.Prediction.ClassProbabilities)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindInternal, "marshal class probabilities")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO predictions (id, flow_id, timestamp, predicted_label, confidence, class_probabilities)
		VALUES (?, ?, ?, ?, ?, ?)`,
		newID(d.Prediction.ID), d.Flow.ID, d.Prediction.Timestamp.Unix(),
		d.Prediction.PredictedLabel, d.Prediction.Confidence, string(probs),
	)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindTransient, "insert prediction")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO anomaly_scores (id, flow_id, timestamp, reconstruction_error, anomaly_score, threshold_used, is_anomaly)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(d.Anomaly.ID), d.Flow.ID, d.Anomaly.Timestamp.Unix(),
		d.Anomaly.ReconstructionError, d.Anomaly.AnomalyScore,
		d.Anomaly.ThresholdUsed, d.Anomaly.IsAnomaly,
	)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindTransient, "insert anomaly score")
	}

	if d.Alert != nil {
		meta, err := json.Marshal(d.Alert.Metadata)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.KindInternal, "marshal alert metadata")
		}
		status := d.Alert.Status
		if status == "" {
			status = "open"
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alerts (id, flow_id, timestamp, severity, attack_type, threat_score, decision, status, priority, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newID(d.Alert.ID), d.Flow.ID, d.Alert.Timestamp.Unix(),
			d.Alert.Severity, nullIfEmpty(d.Alert.AttackType), d.Alert.ThreatScore,
			d.Alert.Decision, status, d.Alert.Priority, string(meta),
		)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.KindTransient, "insert alert")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindTransient, "commit detection tx")
	}
	return nil
}

// RecentFlows returns flows ordered newest first.
func (s *Store) RecentFlows(ctx context.Context, limit, offset int) ([]FlowRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, src_ip, dst_ip, src_port, dst_port, protocol,
			duration, total_fwd_packets, total_bwd_packets, total_bytes, completion_reason
		FROM flows ORDER BY timestamp DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "query flows")
	}
	defer rows.Close()

	var result []FlowRecord
	for rows.Next() {
		var f FlowRecord
		var ts int64
		err := rows.Scan(&f.ID, &ts, &f.SrcIP, &f.DstIP, &f.SrcPort, &f.DstPort,
			&f.Protocol, &f.Duration, &f.TotalFwdPackets, &f.TotalBwdPackets,
			&f.TotalBytes, &f.CompletionReason)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan flow")
		}
		f.Timestamp = time.Unix(ts, 0).UTC()
		result = append(result, f)
	}
	return result, rows.Err()
}

// Alerts returns alert rows newest first, optionally filtered by
// severity and status.
func (s *Store) Alerts(ctx context.Context, filter AlertFilter) ([]AlertRecord, error) {
	query := `
		SELECT id, flow_id, timestamp, severity, attack_type, threat_score, decision, status, priority, metadata
		FROM alerts`
	var (
		conds []string
		args  []any
	)
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY timestamp DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "query alerts")
	}
	defer rows.Close()

	var result []AlertRecord
	for rows.Next() {
		var (
			a          AlertRecord
			ts         int64
			attackType sql.NullString
			meta       sql.NullString
		)
		err := rows.Scan(&a.ID, &a.FlowID, &ts, &a.Severity, &attackType,
			&a.ThreatScore, &a.Decision, &a.Status, &a.Priority, &meta)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan alert")
		}
		a.Timestamp = time.Unix(ts, 0).UTC()
		a.AttackType = attackType.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.KindInternal, "unmarshal alert metadata")
			}
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// AlertStats aggregates alerts since the given time: totals by
// severity and decision plus the top alerting source IPs.
func (s *Store) AlertStats(ctx context.Context, since time.Time) (AlertStats, error) {
	stats := AlertStats{
		Since:      since.UTC(),
		BySeverity: make(map[string]int64),
		ByDecision: make(map[string]int64),
	}
	cutoff := since.Unix()

	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM alerts WHERE timestamp >= ? GROUP BY severity`, cutoff)
	if err != nil {
		return stats, errors.Wrap(err, errors.KindTransient, "query alert severities")
	}
	for rows.Next() {
		var sev string
		var n int64
		if err := rows.Scan(&sev, &n); err != nil {
			rows.Close()
			return stats, errors.Wrap(err, errors.KindInternal, "scan severity count")
		}
		stats.BySeverity[sev] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT decision, COUNT(*) FROM alerts WHERE timestamp >= ? GROUP BY decision`, cutoff)
	if err != nil {
		return stats, errors.Wrap(err, errors.KindTransient, "query alert decisions")
	}
	for rows.Next() {
		var dec string
		var n int64
		if err := rows.Scan(&dec, &n); err != nil {
			rows.Close()
			return stats, errors.Wrap(err, errors.KindInternal, "scan decision count")
		}
		stats.ByDecision[dec] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT json_extract(metadata, '$.src_ip') AS src, COUNT(*) AS n
		FROM alerts
		WHERE timestamp >= ? AND json_extract(metadata, '$.src_ip') IS NOT NULL
		GROUP BY src ORDER BY n DESC, src LIMIT 10`, cutoff)
	if err != nil {
		return stats, errors.Wrap(err, errors.KindTransient, "query top sources")
	}
	defer rows.Close()
	for rows.Next() {
		var sc SourceCount
		if err := rows.Scan(&sc.SrcIP, &sc.Alerts); err != nil {
			return stats, errors.Wrap(err, errors.KindInternal, "scan top source")
		}
		stats.TopSources = append(stats.TopSources, sc)
	}
	return stats, rows.Err()
}

// Cleanup deletes flows older than cutoff together with their
// prediction and anomaly rows, in batches. With keepAlerted set,
// flows that produced an alert survive; otherwise their alerts are
// deleted too. Returns the number of flows removed.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time, batchSize int, keepAlerted bool) (int64, error) {
	if batchSize <= 0 {
		batchSize = 5000
	}
	sel := `SELECT id FROM flows WHERE timestamp < ?`
	if keepAlerted {
		sel += ` AND id NOT IN (SELECT flow_id FROM alerts)`
	}
	sel += ` LIMIT ?`

	var deleted int64
	for batch := 0; batch < maxCleanupBatches; batch++ {
		ids, err := s.selectIDs(ctx, sel, cutoff.Unix(), batchSize)
		if err != nil {
			return deleted, err
		}
		if len(ids) == 0 {
			break
		}
		if err := s.deleteFlows(ctx, ids, keepAlerted); err != nil {
			return deleted, err
		}
		deleted += int64(len(ids))
		if len(ids) < batchSize {
			break
		}
	}
	return deleted, nil
}

func (s *Store) selectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "select cleanup batch")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan flow id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) deleteFlows(ctx context.Context, ids []string, keepAlerted bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "begin cleanup tx")
	}

	in := "(" + placeholders(len(ids)) + ")"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tables := []string{"predictions", "anomaly_scores"}
	if !keepAlerted {
		tables = append(tables, "alerts")
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE flow_id IN "+in, args...); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, errors.KindTransient, "delete from %s", table)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM flows WHERE id IN "+in, args...); err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindTransient, "delete flows")
	}
	return tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
