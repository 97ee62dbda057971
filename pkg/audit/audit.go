// Package audit keeps an append-only log of every admission decision.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	// Redact replaces the user id, client address and location with salted hashes.
	Redact bool
}

// Record is one admission decision. NonceHash is always hashed; raw nonces
// are never persisted.
type Record struct {
	DecisionID string
	TenantID   string
	UserID     string
	DisplayID  string
	ClientIP   string
	Outcome    string
	ReasonCode string
	EventID    string
	OfflineID  string
	NonceHash  string
	Details    json.RawMessage
	CreatedAt  time.Time
}

// HashNonce produces the NonceHash for a raw nonce.
func (w *Writer) HashNonce(nonce string) string {
	if nonce == "" {
		return ""
	}
	return hashString(nonce, w.HashSalt)
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	if len(rec.Details) == 0 {
		rec.Details = json.RawMessage(`{}`)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO admission_audit
		(decision_id, tenant_id, user_id, display_id, client_ip, outcome, reason_code, event_id, offline_id, nonce_hash, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.DecisionID, rec.TenantID, rec.UserID, rec.DisplayID, rec.ClientIP, rec.Outcome, rec.ReasonCode,
		nullIfEmpty(rec.EventID), rec.OfflineID, rec.NonceHash, rec.Details, rec.CreatedAt)
	return err
}

// Get loads one decision within a tenant.
func (w *Writer) Get(ctx context.Context, decisionID, tenantID string) (Record, error) {
	var (
		rec     Record
		eventID *string
	)
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, tenant_id, user_id, display_id, client_ip, outcome, reason_code, event_id, offline_id, nonce_hash, details, created_at
		FROM admission_audit WHERE tenant_id=$1 AND decision_id=$2
	`, tenantID, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.TenantID, &rec.UserID, &rec.DisplayID, &rec.ClientIP, &rec.Outcome,
		&rec.ReasonCode, &eventID, &rec.OfflineID, &rec.NonceHash, &rec.Details, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	if eventID != nil {
		rec.EventID = *eventID
	}
	return rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
