package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS riskgate_audit (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	component TEXT NOT NULL,
	actor TEXT NOT NULL,
	subject TEXT,
	action TEXT,
	outcome TEXT NOT NULL,
	allowed BOOLEAN NOT NULL,
	reason TEXT,
	risk_score DOUBLE PRECISION NOT NULL,
	risk_level TEXT NOT NULL,
	correlation_id TEXT,
	details JSONB
);
CREATE INDEX IF NOT EXISTS idx_riskgate_audit_ts ON riskgate_audit(ts);
CREATE INDEX IF NOT EXISTS idx_riskgate_audit_actor ON riskgate_audit(actor);
`

// PostgresSink writes audit entries to PostgreSQL through a pgx pool. Like
// Store, writes are queued and performed by a single background loop.
type PostgresSink struct {
	pool   *pgxpool.Pool
	writes chan Entry
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPostgresSink connects to dsn and ensures the audit table exists.
func NewPostgresSink(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	s := &PostgresSink{
		pool:   pool,
		writes: make(chan Entry, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.writeLoop()
	return s, nil
}

// Log enqueues an entry.
func (s *PostgresSink) Log(e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.writes <- e:
	default:
		s.logger.Warn("postgres audit buffer full, dropping entry", "id", e.ID)
	}
}

// Count returns the number of stored entries for actor, or all entries when
// actor is empty.
func (s *PostgresSink) Count(ctx context.Context, actor string) (int, error) {
	var n int
	var err error
	if actor == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM riskgate_audit`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM riskgate_audit WHERE actor = $1`, actor).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return n, nil
}

// Close drains pending writes and closes the pool.
func (s *PostgresSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()
	<-s.done
	s.pool.Close()
	return nil
}

func (s *PostgresSink) writeLoop() {
	defer close(s.done)
	for e := range s.writes {
		var details []byte
		if len(e.Details) > 0 {
			details, _ = json.Marshal(e.Details)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := s.pool.Exec(ctx, `
			INSERT INTO riskgate_audit (id, ts, component, actor, subject, action, outcome, allowed, reason, risk_score, risk_level, correlation_id, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, e.Timestamp, e.Component, e.Actor, e.Subject, e.Action, e.Outcome, e.Allowed,
			e.Reason, e.RiskScore, e.RiskLevel, e.CorrelationID, details,
		)
		cancel()
		if err != nil {
			s.logger.Error("postgres audit write failed", "id", e.ID, "error", err)
		}
	}
}
