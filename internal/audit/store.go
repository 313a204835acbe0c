package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	component TEXT NOT NULL,
	actor TEXT NOT NULL,
	subject TEXT,
	action TEXT,
	outcome TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT,
	risk_score REAL NOT NULL,
	risk_level TEXT NOT NULL,
	correlation_id TEXT,
	details TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_component ON audit_log(component);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
`

const selectColumns = "SELECT id, timestamp, component, actor, subject, action, outcome, allowed, reason, risk_score, risk_level, correlation_id, details FROM audit_log"

// tsLayout sorts lexically in time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type writeReq struct {
	entry Entry
	done  chan struct{} // non-nil for flush markers
}

// Store manages the SQLite audit log.
type Store struct {
	db     *sql.DB
	writes chan writeReq
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	// Hub receives every entry after it is written.
	Hub *Hub
}

// NewStore opens (or creates) the SQLite audit database.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("setting WAL mode: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan writeReq, 256),
		done:   make(chan struct{}),
		logger: logger,
		Hub:    NewHub(),
	}

	go s.writeLoop()
	return s, nil
}

// Log enqueues an audit entry for async writing.
func (s *Store) Log(entry Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.writes <- writeReq{entry: entry}:
	default:
		s.logger.Warn("audit write buffer full, dropping entry", "id", entry.ID)
	}
}

// Flush blocks until every entry enqueued before the call is written.
func (s *Store) Flush() {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	done := make(chan struct{})
	s.writes <- writeReq{done: done}
	s.mu.RUnlock()
	<-done
}

// QueryOpts holds filters for audit log queries.
type QueryOpts struct {
	Component string
	Actor     string
	Outcome   string
	Denied    bool
	Since     time.Time
	Limit     int
}

// Query returns audit entries matching the given filters, newest first.
func (s *Store) Query(opts QueryOpts) ([]Entry, error) {
	query := selectColumns + " WHERE 1=1"
	var args []any

	if opts.Component != "" {
		query += " AND component = ?"
		args = append(args, opts.Component)
	}
	if opts.Actor != "" {
		query += " AND (actor = ? OR subject = ?)"
		args = append(args, opts.Actor, opts.Actor)
	}
	if opts.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if opts.Denied {
		query += " AND allowed = 0"
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UTC().Format(tsLayout))
	}

	query += " ORDER BY timestamp DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// QueryByID returns one entry, or nil when absent.
func (s *Store) QueryByID(id string) (*Entry, error) {
	row := s.db.QueryRow(selectColumns+" WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Stats summarises the stored log.
type Stats struct {
	Total       int            `json:"total"`
	Allowed     int            `json:"allowed"`
	Denied      int            `json:"denied"`
	ByComponent map[string]int `json:"by_component"`
}

// QueryStats counts entries by outcome and component.
func (s *Store) QueryStats() (*Stats, error) {
	rows, err := s.db.Query("SELECT component, allowed, COUNT(*) FROM audit_log GROUP BY component, allowed")
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	st := &Stats{ByComponent: make(map[string]int)}
	for rows.Next() {
		var component string
		var allowed, n int
		if err := rows.Scan(&component, &allowed, &n); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		st.Total += n
		st.ByComponent[component] += n
		if allowed == 1 {
			st.Allowed += n
		} else {
			st.Denied += n
		}
	}
	return st, rows.Err()
}

// PurgeOldEntries deletes entries older than days. Zero or negative days is
// a no-op.
func (s *Store) PurgeOldEntries(days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(tsLayout)
	res, err := s.db.Exec("DELETE FROM audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()
	<-s.done
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.writes {
		if req.done != nil {
			close(req.done)
			continue
		}
		entry := req.entry
		var details sql.NullString
		if len(entry.Details) > 0 {
			b, err := json.Marshal(entry.Details)
			if err == nil {
				details = sql.NullString{String: string(b), Valid: true}
			}
		}
		_, err := s.db.Exec(
			`INSERT INTO audit_log (id, timestamp, component, actor, subject, action, outcome, allowed, reason, risk_score, risk_level, correlation_id, details) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Timestamp.UTC().Format(tsLayout), entry.Component, entry.Actor, entry.Subject,
			entry.Action, entry.Outcome, boolInt(entry.Allowed), entry.Reason, entry.RiskScore,
			entry.RiskLevel, entry.CorrelationID, details,
		)
		if err != nil {
			s.logger.Error("audit write failed", "id", entry.ID, "error", err)
			continue
		}
		s.Hub.Broadcast(entry)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var e Entry
	var ts string
	var allowed int
	var subject, action, reason, corr, details sql.NullString
	if err := sc.Scan(&e.ID, &ts, &e.Component, &e.Actor, &subject, &action, &e.Outcome,
		&allowed, &reason, &e.RiskScore, &e.RiskLevel, &corr, &details); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scanning row: %w", err)
	}
	e.Timestamp, _ = time.Parse(tsLayout, ts)
	e.Subject = subject.String
	e.Action = action.String
	e.Reason = reason.String
	e.CorrelationID = corr.String
	e.Allowed = allowed == 1
	if details.Valid && details.String != "" {
		_ = json.Unmarshal([]byte(details.String), &e.Details)
	}
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
