// Package eventstore persists canonical attendance events in Postgres.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pdks/pkg/models"
)

var (
	ErrNotFound        = errors.New("event not found")
	ErrAlreadyApproved = errors.New("event already approved")
)

type eventDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB eventDB
}

const eventColumns = `id, tenant_id, user_id, display_id, direction, mode, status, ts, client_time,
	location, risk_flags, risk_score, public_ip, device_fingerprint, offline_id, approved_by, approved_at`

// Record inserts ev once; the bool is false when the event (or another event
// for the same tenant offline id) was already stored.
func (w *Writer) Record(ctx context.Context, ev models.Event) (bool, error) {
	var location []byte
	if ev.Location != nil {
		raw, err := json.Marshal(ev.Location)
		if err != nil {
			return false, err
		}
		location = raw
	}
	flags := ev.RiskFlags
	if flags == nil {
		flags = []string{}
	}
	tag, err := w.DB.Exec(ctx, `
		INSERT INTO attendance_events
		(id, tenant_id, user_id, display_id, direction, mode, status, ts, client_time,
		 location, risk_flags, risk_score, public_ip, device_fingerprint, offline_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT DO NOTHING
	`, ev.ID, ev.TenantID, ev.UserID, ev.DisplayID, string(ev.Direction), string(ev.Mode), string(ev.Status),
		ev.Timestamp, ev.ClientTime, location, flags, ev.RiskScore, ev.PublicIP, ev.DeviceFingerprint, ev.OfflineID)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

type ListFilter struct {
	TenantID string
	UserID   string
	Status   models.Status
	Since    time.Time
	Limit    int
}

// List returns a tenant's events, newest first.
func (w *Writer) List(ctx context.Context, f ListFilter) ([]models.Event, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, errors.New("tenant required")
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	where := []string{"tenant_id=$1"}
	args := []any{f.TenantID}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("ts>=$%d", len(args)))
	}
	args = append(args, f.Limit)
	rows, err := w.DB.Query(ctx, fmt.Sprintf(`SELECT %s FROM attendance_events WHERE %s ORDER BY ts DESC LIMIT $%d`,
		eventColumns, strings.Join(where, " AND "), len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (w *Writer) Get(ctx context.Context, tenantID, id string) (models.Event, error) {
	row := w.DB.QueryRow(ctx, `SELECT `+eventColumns+` FROM attendance_events WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrNotFound
	}
	return ev, err
}

// GetByOfflineID returns the event stored for a tenant's offline upload.
func (w *Writer) GetByOfflineID(ctx context.Context, tenantID, offlineID string) (models.Event, error) {
	row := w.DB.QueryRow(ctx, `SELECT `+eventColumns+` FROM attendance_events WHERE tenant_id=$1 AND offline_id=$2`, tenantID, offlineID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrNotFound
	}
	return ev, err
}

// Approve moves a PENDING event to APPROVED.
func (w *Writer) Approve(ctx context.Context, tenantID, id, approver string) (models.Event, error) {
	row := w.DB.QueryRow(ctx, `
		UPDATE attendance_events SET status='APPROVED', approved_by=$3, approved_at=now()
		WHERE tenant_id=$1 AND id=$2 AND status='PENDING'
		RETURNING `+eventColumns, tenantID, id, approver)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := w.Get(ctx, tenantID, id); getErr != nil {
			return models.Event{}, getErr
		}
		return models.Event{}, ErrAlreadyApproved
	}
	return ev, err
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var (
		ev                           models.Event
		direction, mode, status      string
		location                     []byte
		flags                        []string
		approvedBy                   *string
		publicIP, fingerprint, offID *string
	)
	if err := row.Scan(&ev.ID, &ev.TenantID, &ev.UserID, &ev.DisplayID, &direction, &mode, &status, &ev.Timestamp,
		&ev.ClientTime, &location, &flags, &ev.RiskScore, &publicIP, &fingerprint, &offID, &approvedBy, &ev.ApprovedAt); err != nil {
		return models.Event{}, err
	}
	ev.Direction = models.Direction(direction)
	ev.Mode = models.Mode(mode)
	ev.Status = models.Status(status)
	if len(location) > 0 {
		var loc models.Location
		if err := json.Unmarshal(location, &loc); err != nil {
			return models.Event{}, fmt.Errorf("decode location: %w", err)
		}
		ev.Location = &loc
	}
	if flags == nil {
		flags = []string{}
	}
	ev.RiskFlags = flags
	ev.PublicIP = deref(publicIP)
	ev.DeviceFingerprint = deref(fingerprint)
	ev.OfflineID = deref(offID)
	ev.ApprovedBy = deref(approvedBy)
	return ev, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
