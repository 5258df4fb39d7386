package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

// DeriveJobID returns the deterministic job identifier for a job type and
// parameter set. encoding/json marshals map keys in sorted order, so
// identical parameters always canonicalize to identical bytes regardless
// of insertion order.
func DeriveJobID(jobType string, params map[string]any) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize job parameters: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{':'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

var safeTaskKey = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{1,64}$`)

// DeriveTaskID returns the deterministic task identifier for a job, stage,
// and stable per-task key. Re-running stage-task generation after a crash
// reproduces the same IDs, which makes batch creation safely retriable.
// Keys that are unsafe as identifier fragments are replaced by a hash.
func DeriveTaskID(jobID string, stage int, key string) string {
	if !safeTaskKey.MatchString(key) {
		sum := sha256.Sum256([]byte(key))
		key = hex.EncodeToString(sum[:8])
	}
	return fmt.Sprintf("%s-s%d-%s", ShortJobID(jobID), stage, key)
}

// IndexTaskKey is the default per-task discriminator for generators that
// do not supply a content key of their own.
func IndexTaskKey(i int) string {
	return fmt.Sprintf("t%03d", i)
}

// ShortJobID returns the abbreviated job hash used in task IDs and logs.
func ShortJobID(jobID string) string {
	if len(jobID) > 8 {
		return jobID[:8]
	}
	return jobID
}
