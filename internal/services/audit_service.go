package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PlainFunction/redactgate/internal/common/config"
	"github.com/PlainFunction/redactgate/internal/common/db"
	"github.com/PlainFunction/redactgate/internal/common/types"
)

// usageAuditMigrations is the embedded schema for the usage audit trail.
var usageAuditMigrations = []db.Migration{
	{
		Version: "001_create_usage_audit",
		SQL: `
			CREATE TABLE IF NOT EXISTS usage_audit (
				audit_id VARCHAR(64) PRIMARY KEY,
				org_id VARCHAR(255) NOT NULL,
				model VARCHAR(255) NOT NULL DEFAULT '',
				status_code INTEGER NOT NULL,
				latency_ms BIGINT NOT NULL DEFAULT 0,
				message_count INTEGER NOT NULL DEFAULT 0,
				entities_redacted INTEGER NOT NULL DEFAULT 0,
				client_ip VARCHAR(64) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_usage_audit_org_created
				ON usage_audit (org_id, created_at DESC)`,
	},
}

// UsageAuditService persists PII-free usage records for completed gateway
// decisions. Records are buffered and written by a background worker so the
// request path never blocks on the database; under sustained backpressure
// records are dropped rather than stalling requests.
type UsageAuditService struct {
	db      *sql.DB
	logger  *zap.Logger
	records chan types.UsageRecord
	done    chan struct{}
	dropped int64

	insertFn func(types.UsageRecord) error
}

// NewUsageAuditService creates the audit database if needed, applies the
// schema, and starts the flush worker.
func NewUsageAuditService(cfg *config.Config, logger *zap.Logger) (*UsageAuditService, error) {
	if err := db.EnsureDatabase(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("failed to ensure audit database exists: %w", err)
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.NewMigrator(conn, usageAuditMigrations).MigrateUp(); err != nil {
		conn.Close()
		return nil, err
	}

	s := &UsageAuditService{
		db:      conn,
		logger:  logger,
		records: make(chan types.UsageRecord, 1024),
		done:    make(chan struct{}),
	}
	s.insertFn = s.insert
	go s.flushLoop()
	return s, nil
}

// Record enqueues a usage record without blocking.
func (s *UsageAuditService) Record(rec types.UsageRecord) {
	if rec.AuditID == "" {
		rec.AuditID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	select {
	case s.records <- rec:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

func (s *UsageAuditService) flushLoop() {
	defer close(s.done)
	for rec := range s.records {
		if err := s.insertFn(rec); err != nil {
			s.logger.Warn("usage audit insert failed",
				zap.String("audit_id", rec.AuditID),
				zap.Error(err))
		}
	}
}

func (s *UsageAuditService) insert(rec types.UsageRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_audit
			(audit_id, org_id, model, status_code, latency_ms, message_count, entities_redacted, client_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (audit_id) DO NOTHING`,
		rec.AuditID, rec.OrgID, rec.Model, rec.StatusCode, rec.LatencyMS,
		rec.MessageCount, rec.EntitiesRedacted, rec.ClientIP, rec.CreatedAt)
	return err
}

// Close drains buffered records, then closes the database connection. Call
// only after the HTTP server has stopped accepting requests.
func (s *UsageAuditService) Close() error {
	close(s.records)
	<-s.done

	if n := atomic.LoadInt64(&s.dropped); n > 0 {
		s.logger.Warn("usage audit records dropped under backpressure", zap.Int64("dropped", n))
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
