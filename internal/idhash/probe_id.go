// Package idhash computes deterministic identifiers.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeProbeID computes a deterministic probe_id using SHA256.
// Formula: SHA256(lab_id|period_start|period_end|attempt|observed_at)
// Returns hex-encoded hash (64 characters).
func ComputeProbeID(
	labID string,
	periodStart int64,
	periodEnd int64,
	attempt int,
	observedAt int64,
) string {
	data := fmt.Sprintf("%s|%d|%d|%d|%d",
		labID,
		periodStart,
		periodEnd,
		attempt,
		observedAt,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
