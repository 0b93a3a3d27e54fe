package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/wifiscore/pkg/connected"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/selector"
	"github.com/markus-lassfolk/wifiscore/pkg/telem"
)

// DefaultMaxRecords bounds each journal table
const DefaultMaxRecords = 10000

// SelectionRecord is one journaled selection cycle
type SelectionRecord struct {
	CycleID     string    `json:"cycle_id"`
	RecordedAt  time.Time `json:"recorded_at"`
	ElapsedMs   int64     `json:"elapsed_ms"`
	Skipped     string    `json:"skipped,omitempty"`
	SSID        string    `json:"ssid,omitempty"`
	BSSID       string    `json:"bssid,omitempty"`
	EvaluatorID int       `json:"evaluator_id"`
	Score       int       `json:"score"`
	TieBreak    float64   `json:"tie_break"`
	Candidates  int       `json:"candidates"`
	Connectable int       `json:"connectable"`
	Filtered    int       `json:"filtered"`
	Faults      int       `json:"faults"`
}

// ScoreTransition is one journaled crossing of the transition score
type ScoreTransition struct {
	RecordedAt time.Time `json:"recorded_at"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	Session    int       `json:"session"`
	BSSID      string    `json:"bssid"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Score      int       `json:"score"`
	RSSI       int       `json:"rssi"`
}

// Journal keeps the selection audit trail in sqlite
type Journal struct {
	mu         sync.Mutex
	db         *sql.DB
	path       string
	maxRecords int
	inserted   int
	closed     bool
	logger     *logx.Logger
}

// ErrJournalClosed is returned by writes after Close
var ErrJournalClosed = errors.New("journal closed")

// OpenJournal opens or creates the journal database
func OpenJournal(path string, maxRecords int, logger *logx.Logger) (*Journal, error) {
	if logger == nil {
		logger = logx.Discard()
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path, maxRecords: maxRecords, logger: logger}
	if err := j.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	logger.Info("selection journal opened", "path", path, "max_records", maxRecords)
	return j, nil
}

func (j *Journal) initializeDatabase() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS selections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL UNIQUE,
		recorded_at TIMESTAMP NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		skipped TEXT NOT NULL DEFAULT '',
		ssid TEXT NOT NULL DEFAULT '',
		bssid TEXT NOT NULL DEFAULT '',
		evaluator_id INTEGER NOT NULL DEFAULT -1,
		score INTEGER NOT NULL DEFAULT 0,
		tie_break REAL NOT NULL DEFAULT 0,
		candidates INTEGER NOT NULL DEFAULT 0,
		connectable INTEGER NOT NULL DEFAULT 0,
		filtered INTEGER NOT NULL DEFAULT 0,
		faults INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS score_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at TIMESTAMP NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		session INTEGER NOT NULL,
		bssid TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		score INTEGER NOT NULL,
		rssi INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_selections_bssid ON selections(bssid);
	CREATE INDEX IF NOT EXISTS idx_score_transitions_session ON score_transitions(session);
	`
	_, err := j.db.Exec(schema)
	return err
}

// SelectionMade journals a selector outcome
func (j *Journal) SelectionMade(sel *selector.Selection) {
	if err := j.RecordSelection(context.Background(), recordFor(sel)); err != nil && !errors.Is(err, ErrJournalClosed) {
		j.logger.Error("failed to journal selection", "cycle", sel.CycleID, "error", err)
	}
}

func recordFor(sel *selector.Selection) *SelectionRecord {
	rec := &SelectionRecord{
		CycleID:     sel.CycleID,
		RecordedAt:  time.Now().UTC(),
		ElapsedMs:   sel.TimeMillis,
		Skipped:     sel.Skipped,
		EvaluatorID: -1,
		Connectable: len(sel.Connectable),
		Filtered:    sel.Filtered,
	}
	if sel.Candidates != nil {
		rec.Candidates = sel.Candidates.Size()
		rec.Faults = sel.Candidates.FaultCount()
	}
	if c := sel.Candidate; c != nil {
		rec.SSID = c.Profile.SSID
		rec.BSSID = c.Scan.BSSID
		rec.EvaluatorID = c.EvaluatorID
		rec.Score = c.Score
		rec.TieBreak = c.TieBreakScore
	}
	return rec
}

// RecordSelection inserts one selection record
func (j *Journal) RecordSelection(ctx context.Context, rec *SelectionRecord) error {
	const insertSQL = `
	INSERT INTO selections (cycle_id, recorded_at, elapsed_ms, skipped, ssid, bssid,
		evaluator_id, score, tie_break, candidates, connectable, filtered, faults)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}

	_, err := j.db.ExecContext(ctx, insertSQL,
		rec.CycleID, rec.RecordedAt, rec.ElapsedMs, rec.Skipped, rec.SSID, rec.BSSID,
		rec.EvaluatorID, rec.Score, rec.TieBreak, rec.Candidates, rec.Connectable, rec.Filtered, rec.Faults)
	if err != nil {
		return fmt.Errorf("failed to insert selection %s: %w", rec.CycleID, err)
	}
	j.afterInsertLocked(ctx)
	return nil
}

// EventAdded journals score transition events; other event types are ignored.
// Its signature matches telem.Store.SetEventCallback.
func (j *Journal) EventAdded(ev *telem.Event) {
	if ev == nil || ev.Type != connected.EventScoreTransition {
		return
	}
	tr := &ScoreTransition{ElapsedMs: ev.TimeMillis}
	tr.Session, _ = ev.Data["session"].(int)
	tr.BSSID, _ = ev.Data["bssid"].(string)
	tr.From, _ = ev.Data["from"].(string)
	tr.To, _ = ev.Data["to"].(string)
	tr.Score, _ = ev.Data["score"].(int)
	tr.RSSI, _ = ev.Data["rssi"].(int)
	if err := j.RecordTransition(context.Background(), tr); err != nil && !errors.Is(err, ErrJournalClosed) {
		j.logger.Error("failed to journal score transition", "bssid", tr.BSSID, "error", err)
	}
}

// RecordTransition inserts one score transition
func (j *Journal) RecordTransition(ctx context.Context, tr *ScoreTransition) error {
	const insertSQL = `
	INSERT INTO score_transitions (recorded_at, elapsed_ms, session, bssid, from_state, to_state, score, rssi)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}

	if tr.RecordedAt.IsZero() {
		tr.RecordedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, insertSQL,
		tr.RecordedAt, tr.ElapsedMs, tr.Session, tr.BSSID, tr.From, tr.To, tr.Score, tr.RSSI)
	if err != nil {
		return fmt.Errorf("failed to insert score transition: %w", err)
	}
	j.afterInsertLocked(ctx)
	return nil
}

// afterInsertLocked prunes every so often rather than on each insert
func (j *Journal) afterInsertLocked(ctx context.Context) {
	j.inserted++
	if j.inserted%100 != 0 {
		return
	}
	if _, err := j.pruneLocked(ctx); err != nil {
		j.logger.Warn("journal prune failed", "error", err)
	}
}

// RecentSelections returns the newest selection records, newest first
func (j *Journal) RecentSelections(ctx context.Context, limit int) ([]*SelectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
	SELECT cycle_id, recorded_at, elapsed_ms, skipped, ssid, bssid, evaluator_id, score,
		tie_break, candidates, connectable, filtered, faults
	FROM selections ORDER BY id DESC LIMIT ?`

	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query selections: %w", err)
	}
	defer rows.Close()

	var out []*SelectionRecord
	for rows.Next() {
		rec := &SelectionRecord{}
		if err := rows.Scan(&rec.CycleID, &rec.RecordedAt, &rec.ElapsedMs, &rec.Skipped, &rec.SSID, &rec.BSSID,
			&rec.EvaluatorID, &rec.Score, &rec.TieBreak, &rec.Candidates, &rec.Connectable, &rec.Filtered, &rec.Faults); err != nil {
			return nil, fmt.Errorf("failed to scan selection: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentTransitions returns the newest score transitions, newest first
func (j *Journal) RecentTransitions(ctx context.Context, limit int) ([]*ScoreTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
	SELECT recorded_at, elapsed_ms, session, bssid, from_state, to_state, score, rssi
	FROM score_transitions ORDER BY id DESC LIMIT ?`

	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query score transitions: %w", err)
	}
	defer rows.Close()

	var out []*ScoreTransition
	for rows.Next() {
		tr := &ScoreTransition{}
		if err := rows.Scan(&tr.RecordedAt, &tr.ElapsedMs, &tr.Session, &tr.BSSID, &tr.From, &tr.To, &tr.Score, &tr.RSSI); err != nil {
			return nil, fmt.Errorf("failed to scan score transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SelectionStats summarises the journal
type SelectionStats struct {
	Total    int            `json:"total"`
	Skipped  map[string]int `json:"skipped"`
	ByBssid  map[string]int `json:"by_bssid"`
	AvgScore float64        `json:"avg_score"`
}

// Stats aggregates the selection table
func (j *Journal) Stats(ctx context.Context) (*SelectionStats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := &SelectionStats{Skipped: make(map[string]int), ByBssid: make(map[string]int)}
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM selections").Scan(&st.Total); err != nil {
		return nil, err
	}
	var avg sql.NullFloat64
	if err := j.db.QueryRowContext(ctx, "SELECT AVG(score) FROM selections WHERE skipped = ''").Scan(&avg); err != nil {
		return nil, err
	}
	st.AvgScore = avg.Float64

	if err := j.groupCount(ctx, "SELECT skipped, COUNT(*) FROM selections WHERE skipped != '' GROUP BY skipped", st.Skipped); err != nil {
		return nil, err
	}
	if err := j.groupCount(ctx, "SELECT bssid, COUNT(*) FROM selections WHERE bssid != '' GROUP BY bssid", st.ByBssid); err != nil {
		return nil, err
	}
	return st, nil
}

func (j *Journal) groupCount(ctx context.Context, query string, into map[string]int) error {
	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}

// Prune trims each table to the configured maximum and returns the rows removed
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrJournalClosed
	}
	return j.pruneLocked(ctx)
}

func (j *Journal) pruneLocked(ctx context.Context) (int64, error) {
	var removed int64
	for _, table := range []string{"selections", "score_transitions"} {
		res, err := j.db.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE id NOT IN (
				SELECT id FROM %s ORDER BY id DESC LIMIT ?
			)`, table, table), j.maxRecords)
		if err != nil {
			return removed, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if removed > 0 {
		j.logger.Info("journal pruned", "deleted_rows", removed, "max_records", j.maxRecords)
	}
	return removed, nil
}

// Close closes the database. Writes arriving later fail with ErrJournalClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
