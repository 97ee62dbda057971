// Package admission runs a check-in submission through the employee device,
// display binding, replay, rate and offline-sync gates and hands admitted events downstream.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pdks/pkg/audit"
	"pdks/pkg/devicebind"
	"pdks/pkg/eventbus"
	"pdks/pkg/metrics"
	"pdks/pkg/models"
	"pdks/pkg/offsync"
	"pdks/pkg/ratelimit"
	"pdks/pkg/replay"
	"pdks/pkg/reqctx"
	"pdks/pkg/store"
	"pdks/pkg/stream"
	"pdks/pkg/telemetry"
)

const (
	DefaultMinGPSAccuracy = 100.0

	// StreamEventType is the live-feed type of a newly admitted event.
	StreamEventType = "attendance.admitted"
)

// EventRecorder is the durable event log. Once a row exists for a tenant
// offline id it is authoritative over the sync marker.
type EventRecorder interface {
	Record(ctx context.Context, ev models.Event) (bool, error)
	GetByOfflineID(ctx context.Context, tenantID, offlineID string) (models.Event, error)
}

type Auditor interface {
	Append(ctx context.Context, rec audit.Record) error
	HashNonce(nonce string) string
}

type Config struct {
	ReplayWindow   time.Duration
	RateLimit      int
	RateWindow     time.Duration
	SyncMarkerTTL  time.Duration
	MinGPSAccuracy float64
	// SingleDevice pins every tenant user to their first device fingerprint.
	SingleDevice bool
}

// Gateway is safe for concurrent use; all per-request state lives in the store.
// Employees, Events, Publisher, Hub, Audit, Metrics and Tracer are optional.
type Gateway struct {
	Devices   *devicebind.Validator
	Employees *devicebind.EmployeeGate
	Replay    *replay.Guard
	Limiter   *ratelimit.Limiter
	Sync      *offsync.Reconciler

	// MinGPSAccuracy is the largest accuracy radius in meters accepted without LOW_ACCURACY.
	MinGPSAccuracy float64

	Events    EventRecorder
	Publisher eventbus.Publisher
	Hub       *stream.Hub
	Audit     Auditor
	Metrics   *metrics.Registry
	Tracer    trace.Tracer
	Now       func() time.Time
}

// New wires the four gates over one shared store.
func New(s store.Store, cfg Config) *Gateway {
	minAcc := cfg.MinGPSAccuracy
	if minAcc <= 0 {
		minAcc = DefaultMinGPSAccuracy
	}
	g := &Gateway{
		Devices:        devicebind.New(s),
		Replay:         replay.New(s, cfg.ReplayWindow),
		Limiter:        ratelimit.New(s, cfg.RateLimit, cfg.RateWindow),
		Sync:           offsync.New(s, cfg.SyncMarkerTTL),
		MinGPSAccuracy: minAcc,
	}
	if cfg.SingleDevice {
		g.Employees = devicebind.NewEmployeeGate(s)
	}
	return g
}

// Submission is one check-in as received from a terminal. The user is always
// the authenticated one on the request context.
type Submission struct {
	DisplayID         string
	Nonce             string
	Direction         string
	Mode              string
	ClientTime        *time.Time
	Location          *models.Location
	DeviceFingerprint string
	OfflineID         string
	ClientIP          string
}

type Result struct {
	DecisionID string
	Event      models.Event
	IsNew      bool
	Binding    devicebind.Binding
	Device     devicebind.EmployeeDevice
	RateLimit  ratelimit.Decision
}

type decision struct {
	rc  reqctx.RequestContext
	sub Submission
	res Result
}

// Admit evaluates sub. A nil error means Result.Event is canonical; IsNew
// reports whether this call created it. A non-nil error is a rejection whose
// kind ReasonCode reports; Result still carries the decision id and, for rate
// rejections, the limiter decision.
func (g *Gateway) Admit(ctx context.Context, sub Submission) (Result, error) {
	start := time.Now()
	ctx, span := g.tracer().Start(ctx, "admission.admit", trace.WithAttributes(
		attribute.String("pdks.display_id", sub.DisplayID),
		attribute.Bool("pdks.offline", sub.OfflineID != ""),
	))
	defer span.End()
	if g.Metrics != nil {
		defer func() { g.Metrics.ObserveLatency("admission", time.Since(start)) }()
	}

	d := &decision{sub: sub, res: Result{DecisionID: uuid.NewString()}}
	rc, err := reqctx.Require(ctx)
	if err == nil && strings.TrimSpace(rc.UserID) == "" {
		err = fmt.Errorf("%w: no user", reqctx.ErrMissingContext)
	}
	if err != nil {
		return g.reject(ctx, span, d, err)
	}
	d.rc = rc
	span.SetAttributes(attribute.String("pdks.tenant_id", rc.TenantID))

	dir, mode, err := g.validate(sub)
	if err != nil {
		return g.reject(ctx, span, d, err)
	}

	// An offline id already reconciled skips every gate.
	if sub.OfflineID != "" {
		stored, found, err := g.Sync.Lookup(ctx, sub.OfflineID)
		if err != nil {
			return g.reject(ctx, span, d, err)
		}
		if found {
			return g.admit(ctx, span, d, stored, false)
		}
	}

	if g.Employees != nil {
		device, err := g.Employees.Validate(ctx, sub.DeviceFingerprint)
		d.res.Device = device
		if err != nil {
			return g.reject(ctx, span, d, err)
		}
	}

	binding, err := g.Devices.Validate(ctx, sub.DisplayID, sub.ClientIP)
	d.res.Binding = binding
	if err != nil {
		return g.reject(ctx, span, d, err)
	}

	if err := g.Replay.Claim(ctx, sub.Nonce); err != nil {
		// a concurrent upload of the same offline event may have won meanwhile
		if errors.Is(err, replay.ErrReplayDetected) && sub.OfflineID != "" {
			if stored, found, lerr := g.Sync.Lookup(ctx, sub.OfflineID); lerr == nil && found {
				return g.admit(ctx, span, d, stored, false)
			}
		}
		return g.reject(ctx, span, d, err)
	}

	rate, err := g.Limiter.Check(ctx, rc.UserID)
	d.res.RateLimit = rate
	if err != nil {
		return g.reject(ctx, span, d, err)
	}

	candidate := g.buildEvent(rc, sub, dir, mode)
	if sub.OfflineID == "" {
		return g.admit(ctx, span, d, candidate, true)
	}
	ev, isNew, err := g.Sync.Reconcile(ctx, sub.OfflineID, candidate)
	if err != nil {
		return g.reject(ctx, span, d, err)
	}
	return g.admit(ctx, span, d, ev, isNew)
}

func (g *Gateway) validate(sub Submission) (models.Direction, models.Mode, error) {
	if strings.TrimSpace(sub.DisplayID) == "" {
		return "", "", invalid("display_id required")
	}
	if strings.TrimSpace(sub.Nonce) == "" {
		return "", "", invalid("nonce required")
	}
	dir, ok := models.ParseDirection(sub.Direction)
	if !ok {
		return "", "", invalid("direction must be IN or OUT")
	}
	mode, ok := models.ParseMode(sub.Mode)
	if !ok {
		return "", "", invalid("mode must be OFFICE_QR or FIELD_GPS")
	}
	if mode == models.ModeFieldGPS && sub.Location == nil {
		return "", "", invalid("location required for FIELD_GPS")
	}
	if loc := sub.Location; loc != nil {
		if !finite(loc.Lat, loc.Lng, loc.Acc) || loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
			return "", "", invalid("location out of range")
		}
		if loc.Acc < 0 {
			return "", "", invalid("location accuracy must not be negative")
		}
	}
	return dir, mode, nil
}

func (g *Gateway) buildEvent(rc reqctx.RequestContext, sub Submission, dir models.Direction, mode models.Mode) models.Event {
	ev := models.NewEvent(rc.TenantID, rc.UserID, sub.DisplayID, dir, g.now())
	ev.Mode = mode
	ev.PublicIP = sub.ClientIP
	ev.DeviceFingerprint = strings.TrimSpace(sub.DeviceFingerprint)
	ev.OfflineID = sub.OfflineID
	if sub.ClientTime != nil {
		ct := sub.ClientTime.UTC()
		ev.ClientTime = &ct
	}
	var flags []string
	if sub.Location != nil {
		loc := *sub.Location
		ev.Location = &loc
		if loc.Acc > g.minAccuracy() {
			flags = append(flags, models.RiskLowAccuracy)
		}
	}
	ev.ApplyRisk(flags)
	return ev
}

func (g *Gateway) admit(ctx context.Context, span trace.Span, d *decision, ev models.Event, isNew bool) (Result, error) {
	ev, isNew = g.handoff(ctx, ev, isNew)
	d.res.Event = ev
	d.res.IsNew = isNew
	outcome := metrics.OutcomeAdmittedExisting
	if isNew {
		outcome = metrics.OutcomeAdmittedNew
	}
	span.SetAttributes(
		attribute.String("pdks.outcome", outcome),
		attribute.String("pdks.event_id", ev.ID),
	)
	g.record(ctx, d, outcome, "")
	return d.res, nil
}

func (g *Gateway) reject(ctx context.Context, span trace.Span, d *decision, err error) (Result, error) {
	reason := ReasonCode(err)
	span.SetAttributes(
		attribute.String("pdks.outcome", metrics.OutcomeRejected),
		attribute.String("pdks.reason_code", reason),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	g.record(ctx, d, metrics.OutcomeRejected, reason)
	return d.res, err
}

// handoff persists the event and announces it when the row is new. An
// offline event whose row already exists is answered from that row, so a
// retry after marker expiry or after approval sees what was stored. A failure
// here never turns an admitted event into a rejection.
func (g *Gateway) handoff(ctx context.Context, ev models.Event, isNew bool) (models.Event, bool) {
	announce := isNew
	if g.Events != nil {
		inserted, err := g.Events.Record(ctx, ev)
		switch {
		case err != nil:
			g.handoffFailed("postgres", ev, err)
		case !inserted && ev.OfflineID != "":
			announce = false
			stored, err := g.Events.GetByOfflineID(ctx, ev.TenantID, ev.OfflineID)
			if err != nil {
				g.handoffFailed("postgres", ev, err)
				break
			}
			ev, isNew = stored, false
		default:
			announce = inserted
		}
	}
	if !announce {
		return ev, isNew
	}
	if g.Publisher != nil {
		if err := g.Publisher.Publish(ctx, ev); err != nil {
			g.handoffFailed("kafka", ev, err)
		}
	}
	if g.Hub != nil {
		g.Hub.Publish(stream.NewEvent(StreamEventType, ev.TenantID, ev))
	}
	return ev, isNew
}

func (g *Gateway) handoffFailed(sink string, ev models.Event, err error) {
	log.Printf("admission handoff to %s failed tenant=%s event=%s: %v", sink, ev.TenantID, ev.ID, err)
	if g.Metrics != nil {
		g.Metrics.IncHandoffFailure(sink)
	}
}

type auditDetails struct {
	Direction string           `json:"direction,omitempty"`
	Mode      string           `json:"mode,omitempty"`
	Location  *models.Location `json:"location,omitempty"`
	RateCount int64            `json:"rate_count,omitempty"`
	IsNew     bool             `json:"is_new"`
}

func (g *Gateway) record(ctx context.Context, d *decision, outcome, reason string) {
	if g.Metrics != nil {
		g.Metrics.IncAdmission(outcome, reason)
	}
	// without a tenant there is nowhere to file the decision
	if g.Audit == nil || d.rc.TenantID == "" {
		return
	}
	details, _ := json.Marshal(auditDetails{
		Direction: strings.ToUpper(strings.TrimSpace(d.sub.Direction)),
		Mode:      strings.ToUpper(strings.TrimSpace(d.sub.Mode)),
		Location:  d.sub.Location,
		RateCount: d.res.RateLimit.Count,
		IsNew:     d.res.IsNew,
	})
	rec := audit.Record{
		DecisionID: d.res.DecisionID,
		TenantID:   d.rc.TenantID,
		UserID:     d.rc.UserID,
		DisplayID:  d.sub.DisplayID,
		ClientIP:   d.sub.ClientIP,
		Outcome:    outcome,
		ReasonCode: reason,
		EventID:    d.res.Event.ID,
		OfflineID:  d.sub.OfflineID,
		NonceHash:  g.Audit.HashNonce(d.sub.Nonce),
		Details:    details,
		CreatedAt:  g.now().UTC(),
	}
	if err := g.Audit.Append(ctx, rec); err != nil {
		log.Printf("admission audit append failed decision=%s: %v", d.res.DecisionID, err)
		if g.Metrics != nil {
			g.Metrics.IncHandoffFailure("audit")
		}
	}
}

func (g *Gateway) minAccuracy() float64 {
	if g.MinGPSAccuracy <= 0 {
		return DefaultMinGPSAccuracy
	}
	return g.MinGPSAccuracy
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gateway) tracer() trace.Tracer {
	if g.Tracer != nil {
		return g.Tracer
	}
	return telemetry.Tracer("pdks/admission")
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubmission, msg)
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
