package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

func redactRecord(rec Record, salt []byte) Record {
	rec.UserID = hashString(rec.UserID, salt)
	if rec.ClientIP != "" {
		rec.ClientIP = hashString(rec.ClientIP, salt)
	}
	rec.Details = redactDetails(rec.Details, salt)
	return rec
}

// redactDetails swaps a "location" object for its hash and leaves the rest.
func redactDetails(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		b, _ := json.Marshal(map[string]string{
			"details_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	if loc, ok := fields["location"]; ok && string(loc) != "null" {
		delete(fields, "location")
		hashed, _ := json.Marshal(hashBytes(loc, salt))
		fields["location_hash"] = hashed
	}
	b, _ := json.Marshal(fields)
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
