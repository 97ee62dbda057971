package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// ParseDirection accepts IN/OUT in any case.
func ParseDirection(raw string) (Direction, bool) {
	switch Direction(strings.ToUpper(strings.TrimSpace(raw))) {
	case DirectionIn:
		return DirectionIn, true
	case DirectionOut:
		return DirectionOut, true
	}
	return "", false
}

// Mode is how the terminal captured the check-in.
type Mode string

const (
	ModeOfficeQR Mode = "OFFICE_QR"
	ModeFieldGPS Mode = "FIELD_GPS"
)

// ParseMode defaults an empty value to OFFICE_QR.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", ModeOfficeQR:
		return ModeOfficeQR, true
	case ModeFieldGPS:
		return ModeFieldGPS, true
	}
	return "", false
}

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
)

const RiskLowAccuracy = "LOW_ACCURACY"

// Location is a GPS fix; Acc is the reported accuracy radius in meters.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	Acc float64 `json:"acc"`
}

// Event is the canonical attendance record produced by an admitted submission.
// It is never mutated after creation except for the approval fields.
type Event struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	UserID            string     `json:"user_id"`
	DisplayID         string     `json:"display_id"`
	Direction         Direction  `json:"direction"`
	Mode              Mode       `json:"mode"`
	Status            Status     `json:"status"`
	Timestamp         time.Time  `json:"timestamp"`
	ClientTime        *time.Time `json:"client_time,omitempty"`
	Location          *Location  `json:"location,omitempty"`
	RiskFlags         []string   `json:"risk_flags"`
	RiskScore         int        `json:"risk_score"`
	PublicIP          string     `json:"public_ip,omitempty"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	OfflineID         string     `json:"offline_id,omitempty"`
	ApprovedBy        string     `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
}

// NewEvent stamps a fresh id and the server receive time.
func NewEvent(tenantID, userID, displayID string, dir Direction, receivedAt time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		DisplayID: displayID,
		Direction: dir,
		Mode:      ModeOfficeQR,
		Status:    StatusApproved,
		Timestamp: receivedAt.UTC(),
		RiskFlags: []string{},
	}
}

// ApplyRisk sets the flags and derives status and score from them.
func (e *Event) ApplyRisk(flags []string) {
	if flags == nil {
		flags = []string{}
	}
	e.RiskFlags = flags
	e.RiskScore = 50 * len(flags)
	if len(flags) > 0 {
		e.Status = StatusPending
	} else {
		e.Status = StatusApproved
	}
}
