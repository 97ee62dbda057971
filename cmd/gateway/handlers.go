package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pdks/pkg/admission"
	"pdks/pkg/eventstore"
	"pdks/pkg/httpx"
	"pdks/pkg/metrics"
	"pdks/pkg/models"
	"pdks/pkg/reqctx"
	"pdks/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

const (
	resultCreated          = "CREATED"
	resultAlreadyProcessed = "ALREADY_PROCESSED"
)

type checkInRequest struct {
	DisplayID  string           `json:"display_id"`
	Nonce      string           `json:"nonce"`
	Direction  string           `json:"direction"`
	Mode       string           `json:"mode,omitempty"`
	ClientTime string           `json:"client_time,omitempty"`
	Location   *models.Location `json:"location,omitempty"`
	DeviceFP   string           `json:"device_fp,omitempty"`
	OfflineID  string           `json:"offline_id,omitempty"`
}

type checkInResponse struct {
	Success    bool          `json:"success"`
	DecisionID string        `json:"decision_id"`
	Result     string        `json:"result"`
	IsNew      bool          `json:"is_new"`
	EventID    string        `json:"event_id"`
	Status     models.Status `json:"status"`
	Flags      []string      `json:"flags"`
	Event      models.Event  `json:"event"`
}

func (s *Server) checkIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.Metrics.IncAdmission(metrics.OutcomeRejected, admission.ReasonInvalidSubmission)
		httpx.ErrorWithReason(w, http.StatusBadRequest, admission.ReasonInvalidSubmission, err.Error())
		return
	}
	var clientTime *time.Time
	if raw := strings.TrimSpace(req.ClientTime); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.Metrics.IncAdmission(metrics.OutcomeRejected, admission.ReasonInvalidSubmission)
			httpx.ErrorWithReason(w, http.StatusBadRequest, admission.ReasonInvalidSubmission, "client_time must be RFC3339")
			return
		}
		clientTime = &parsed
	}
	ip, _ := s.ClientIPs.FromRequest(r)
	res, err := s.Admission.Admit(r.Context(), admission.Submission{
		DisplayID:         strings.TrimSpace(req.DisplayID),
		Nonce:             req.Nonce,
		Direction:         req.Direction,
		Mode:              req.Mode,
		ClientTime:        clientTime,
		Location:          req.Location,
		DeviceFingerprint: req.DeviceFP,
		OfflineID:         strings.TrimSpace(req.OfflineID),
		ClientIP:          ip,
	})
	if res.RateLimit.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.RateLimit.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.RateLimit.Remaining))
	}
	if err != nil {
		writeRejection(w, res, err)
		return
	}
	result := resultAlreadyProcessed
	if res.IsNew {
		result = resultCreated
	}
	httpx.WriteJSON(w, http.StatusOK, checkInResponse{
		Success:    true,
		DecisionID: res.DecisionID,
		Result:     result,
		IsNew:      res.IsNew,
		EventID:    res.Event.ID,
		Status:     res.Event.Status,
		Flags:      res.Event.RiskFlags,
		Event:      res.Event,
	})
}

func writeRejection(w http.ResponseWriter, res admission.Result, err error) {
	reason := admission.ReasonCode(err)
	msg := err.Error()
	switch reason {
	case admission.ReasonRateLimitExceeded:
		w.Header().Set("Retry-After", strconv.Itoa(res.RateLimit.RetryAfter(time.Now())))
	case admission.ReasonStoreUnavailable:
		msg = "admission store unavailable"
	}
	httpx.WriteJSON(w, admission.HTTPStatus(err), map[string]interface{}{
		"success":     false,
		"error":       msg,
		"reason_code": reason,
		"decision_id": res.DecisionID,
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	rc, _ := reqctx.From(r.Context())
	q := r.URL.Query()
	filter := eventstore.ListFilter{
		TenantID: rc.TenantID,
		UserID:   strings.TrimSpace(q.Get("user_id")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := models.Status(strings.ToUpper(raw))
		if status != models.StatusPending && status != models.StatusApproved {
			httpx.Error(w, http.StatusBadRequest, "status must be PENDING or APPROVED")
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	events, err := s.Events.List(r.Context(), filter)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "list events failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": events, "count": len(events)})
}

func (s *Server) approveEvent(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	rc, _ := reqctx.From(r.Context())
	id := strings.TrimSpace(chi.URLParam(r, "event_id"))
	ev, err := s.Events.Approve(r.Context(), rc.TenantID, id, rc.UserID)
	switch {
	case errors.Is(err, eventstore.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "event not found")
	case errors.Is(err, eventstore.ErrAlreadyApproved):
		httpx.Error(w, http.StatusConflict, "event already approved")
	case err != nil:
		httpx.Error(w, http.StatusInternalServerError, "approve failed")
	default:
		httpx.WriteJSON(w, http.StatusOK, ev)
	}
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	rc, _ := reqctx.From(r.Context())
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "decision_id"), rc.TenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "decision not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"decision_id": rec.DecisionID,
		"tenant_id":   rec.TenantID,
		"user_id":     rec.UserID,
		"display_id":  rec.DisplayID,
		"client_ip":   rec.ClientIP,
		"outcome":     rec.Outcome,
		"reason_code": rec.ReasonCode,
		"event_id":    rec.EventID,
		"offline_id":  rec.OfflineID,
		"details":     rec.Details,
		"created_at":  rec.CreatedAt,
	})
}

func (s *Server) getBinding(w http.ResponseWriter, r *http.Request) {
	displayID := chi.URLParam(r, "display_id")
	b, found, err := s.Admission.Devices.Lookup(r.Context(), displayID)
	if err != nil {
		writeRejection(w, admission.Result{}, err)
		return
	}
	if !found {
		httpx.Error(w, http.StatusNotFound, "display not bound")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"display_id": displayID, "ip": b.IP, "bound_at": b.BoundAt})
}

type rebindRequest struct {
	IP string `json:"ip"`
}

func (s *Server) rebind(w http.ResponseWriter, r *http.Request) {
	var req rebindRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ip := strings.TrimSpace(req.IP)
	if net.ParseIP(ip) == nil {
		httpx.Error(w, http.StatusBadRequest, "ip must be a valid address")
		return
	}
	displayID := chi.URLParam(r, "display_id")
	b, err := s.Admission.Devices.Rebind(r.Context(), displayID, ip)
	if err != nil {
		writeRejection(w, admission.Result{}, err)
		return
	}
	rc, _ := reqctx.From(r.Context())
	log.Printf("display %s rebound to %s by %s", displayID, b.IP, rc.UserID)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"display_id": displayID, "ip": b.IP, "bound_at": b.BoundAt})
}

func (s *Server) unbind(w http.ResponseWriter, r *http.Request) {
	displayID := chi.URLParam(r, "display_id")
	if err := s.Admission.Devices.Unbind(r.Context(), displayID); err != nil {
		writeRejection(w, admission.Result{}, err)
		return
	}
	rc, _ := reqctx.From(r.Context())
	log.Printf("display %s unbound by %s", displayID, rc.UserID)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"display_id": displayID, "status": "unbound"})
}

func (s *Server) getEmployeeDevice(w http.ResponseWriter, r *http.Request) {
	if s.Admission.Employees == nil {
		httpx.Error(w, http.StatusNotFound, "single-device policy disabled")
		return
	}
	rc, _ := reqctx.From(r.Context())
	userID := chi.URLParam(r, "user_id")
	d, found, err := s.Admission.Employees.Lookup(r.Context(), rc.TenantID, userID)
	if err != nil {
		writeRejection(w, admission.Result{}, err)
		return
	}
	if !found {
		httpx.Error(w, http.StatusNotFound, "no device pinned")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "device_fp": d.Fingerprint, "bound_at": d.BoundAt})
}

// resetEmployeeDevice lets the user's next check-in pin a new device.
func (s *Server) resetEmployeeDevice(w http.ResponseWriter, r *http.Request) {
	if s.Admission.Employees == nil {
		httpx.Error(w, http.StatusNotFound, "single-device policy disabled")
		return
	}
	rc, _ := reqctx.From(r.Context())
	userID := chi.URLParam(r, "user_id")
	if err := s.Admission.Employees.Reset(r.Context(), rc.TenantID, userID); err != nil {
		writeRejection(w, admission.Result{}, err)
		return
	}
	log.Printf("device pin of %s/%s reset by %s", rc.TenantID, userID, rc.UserID)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": "reset"})
}

// streamEvents pushes the caller's tenant's admitted events; a super admin
// sees every tenant.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	rc, _ := reqctx.From(r.Context())
	tenant := rc.TenantID
	if rc.IsSuperAdmin {
		tenant = ""
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSAllowedOrigins) > 0 {
		opts.OriginPatterns = s.WSAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Hub.Subscribe(tenant, 64)
	defer s.Hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", tenant, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
