package eventstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pdks/pkg/models"
)

type fakeEventDB struct {
	execTag   string
	execErr   error
	execArgs  []any
	querySQL  string
	queryArgs []any
	rows      [][]any
	queryErr  error
	rowQueue  []fakeRow
}

func (f *fakeEventDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag(f.execTag), f.execErr
}

func (f *fakeEventDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.querySQL = sql
	f.queryArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.rows, idx: -1}, nil
}

func (f *fakeEventDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queryArgs = append([]any(nil), args...)
	if len(f.rowQueue) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	r := f.rowQueue[0]
	f.rowQueue = f.rowQueue[1:]
	return r
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.idx++; return r.idx < len(r.rows) }
func (r *fakeRows) Scan(dest ...any) error                       { return assign(dest, r.rows[r.idx]) }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func assign(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i, v := range values {
		if v == nil {
			continue
		}
		target := reflect.ValueOf(dest[i]).Elem()
		val := reflect.ValueOf(v)
		if !val.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("column %d: cannot assign %T to %s", i, v, target.Type())
		}
		target.Set(val)
	}
	return nil
}

func eventRow(id, status string) []any {
	ts := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	ip := "10.0.0.5"
	return []any{id, "acme", "u1", "term-7", "IN", "FIELD_GPS", status, ts,
		nil, []byte(`{"lat":41.0,"lng":29.0,"acc":150}`), []string{"LOW_ACCURACY"}, 50, &ip, nil, nil, nil, nil}
}

func TestRecordIsIdempotent(t *testing.T) {
	db := &fakeEventDB{execTag: "INSERT 0 1"}
	w := &Writer{DB: db}
	ev := models.NewEvent("acme", "u1", "term-7", models.DirectionIn, time.Now())
	ev.Location = &models.Location{Lat: 41, Lng: 29, Acc: 10}

	inserted, err := w.Record(context.Background(), ev)
	if err != nil || !inserted {
		t.Fatalf("expected insert, got %v err=%v", inserted, err)
	}
	if len(db.execArgs) != 15 || db.execArgs[0] != ev.ID {
		t.Fatalf("unexpected exec args %v", db.execArgs)
	}
	if string(db.execArgs[9].([]byte)) != `{"lat":41,"lng":29,"acc":10}` {
		t.Fatalf("unexpected location arg %s", db.execArgs[9])
	}

	db.execTag = "INSERT 0 0"
	if inserted, err := w.Record(context.Background(), ev); err != nil || inserted {
		t.Fatalf("expected duplicate to report not inserted, got %v err=%v", inserted, err)
	}

	db.execErr = errors.New("conn refused")
	if _, err := w.Record(context.Background(), ev); err == nil || !strings.Contains(err.Error(), ev.ID) {
		t.Fatalf("expected wrapped insert error, got %v", err)
	}
}

func TestListBuildsTenantScopedQuery(t *testing.T) {
	db := &fakeEventDB{rows: [][]any{eventRow("ev-1", "PENDING"), eventRow("ev-2", "PENDING")}}
	w := &Writer{DB: db}
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := w.List(context.Background(), ListFilter{TenantID: "acme", UserID: "u1", Status: models.StatusPending, Since: since, Limit: 1000})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "ev-1" || got[0].Location == nil || got[0].Location.Acc != 150 {
		t.Fatalf("unexpected events %+v", got)
	}
	if got[0].PublicIP != "10.0.0.5" || got[0].Mode != models.ModeFieldGPS || got[0].RiskFlags[0] != models.RiskLowAccuracy {
		t.Fatalf("unexpected decoded event %+v", got[0])
	}
	if !strings.Contains(db.querySQL, "tenant_id=$1 AND user_id=$2 AND status=$3 AND ts>=$4") || !strings.Contains(db.querySQL, "LIMIT $5") {
		t.Fatalf("unexpected sql %s", db.querySQL)
	}
	if db.queryArgs[4] != 100 {
		t.Fatalf("expected oversized limit to be clamped, got %v", db.queryArgs[4])
	}

	if _, err := w.List(context.Background(), ListFilter{}); err == nil {
		t.Fatal("expected tenant required")
	}
	db.queryErr = errors.New("boom")
	if _, err := w.List(context.Background(), ListFilter{TenantID: "acme"}); err == nil {
		t.Fatal("expected query error")
	}
}

func TestApprove(t *testing.T) {
	db := &fakeEventDB{rowQueue: []fakeRow{{values: eventRow("ev-1", "APPROVED")}}}
	w := &Writer{DB: db}
	ev, err := w.Approve(context.Background(), "acme", "ev-1", "admin-1")
	if err != nil || ev.Status != models.StatusApproved {
		t.Fatalf("expected approval, got %+v err=%v", ev, err)
	}
	if db.queryArgs[2] != "admin-1" {
		t.Fatalf("expected approver arg, got %v", db.queryArgs)
	}

	db.rowQueue = []fakeRow{{err: pgx.ErrNoRows}, {values: eventRow("ev-1", "APPROVED")}}
	if _, err := w.Approve(context.Background(), "acme", "ev-1", "admin-1"); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}

	db.rowQueue = nil
	if _, err := w.Approve(context.Background(), "acme", "missing", "admin-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetByOfflineID(t *testing.T) {
	row := eventRow("ev-1", "APPROVED")
	off := "off-123"
	row[14] = &off
	db := &fakeEventDB{rowQueue: []fakeRow{{values: row}}}
	w := &Writer{DB: db}
	ev, err := w.GetByOfflineID(context.Background(), "acme", "off-123")
	if err != nil || ev.ID != "ev-1" || ev.OfflineID != "off-123" || ev.Status != models.StatusApproved {
		t.Fatalf("unexpected event %+v err=%v", ev, err)
	}
	if db.queryArgs[0] != "acme" || db.queryArgs[1] != "off-123" {
		t.Fatalf("expected tenant-scoped lookup, got %v", db.queryArgs)
	}
	if _, err := w.GetByOfflineID(context.Background(), "acme", "off-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
