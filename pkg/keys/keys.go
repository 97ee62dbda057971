// Package keys builds the shared-store key names for every admission gate.
//
// The shapes are a wire contract with other services reading the same store
// and must not change:
//
//	pdks:replay:<tenantId>:<nonce>
//	pdks:disp_ip:<displayId>
//	pdks:rl:<tenantId>:<userId>
//	pdks:sync:<tenantId>:<offlineId>
//	pdks:emp_dev:<tenantId>:<userId>
//
// Device bindings are keyed by display alone: a terminal's network binding is
// tenant-independent.
//
// The segment after the family is always the tenant id, and a tenant id never
// contains the separator, so keys of different tenants cannot coincide even
// when the trailing value does contain it.
package keys

import "strings"

const (
	prefix    = "pdks:"
	Separator = ":"
)

// ValidTenantID reports whether id can scope a key: non-blank and free of Separator.
func ValidTenantID(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.Contains(id, Separator)
}

func Replay(tenantID, nonce string) string {
	return prefix + "replay:" + tenantID + Separator + nonce
}

func DisplayIP(displayID string) string {
	return prefix + "disp_ip:" + displayID
}

func RateLimit(tenantID, userID string) string {
	return prefix + "rl:" + tenantID + Separator + userID
}

func Sync(tenantID, offlineID string) string {
	return prefix + "sync:" + tenantID + Separator + offlineID
}

// EmployeeDevice holds the device fingerprint a tenant user is pinned to.
func EmployeeDevice(tenantID, userID string) string {
	return prefix + "emp_dev:" + tenantID + Separator + userID
}
