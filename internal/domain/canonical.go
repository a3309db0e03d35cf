package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the fixed ISO-8601 form timestamps take inside the
// canonical body and in storage.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t in UTC with microsecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// NextTimestamp returns now truncated to microseconds, or one microsecond
// after last when now does not come strictly after it.
func NextTimestamp(last, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if now.After(last) {
		return now
	}
	return last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
}

// canonicalEntry fixes the field order of the hashed body. Metadata travels
// as a string so map iteration order can never reach the digest.
type canonicalEntry struct {
	ActorID         string `json:"actor_id"`
	Action          string `json:"action"`
	Details         string `json:"details"`
	SubjectTaskID   string `json:"subject_task_id"`
	Metadata        string `json:"metadata"`
	EntityType      string `json:"entity_type"`
	EntityID        string `json:"entity_id"`
	IPHash          string `json:"ip_hash"`
	DeviceHash      string `json:"device_hash"`
	IntegrityStatus string `json:"integrity_status"`
	Timestamp       string `json:"timestamp"`
	PreviousHash    string `json:"previous_hash"`
}

// Canonicalize serializes every hashed field of e. ID, Seq and EntryHash are
// excluded: the store assigns the first two and the last is the output.
func Canonicalize(e LedgerEntry) ([]byte, error) {
	meta, err := e.Metadata.Canonical()
	if err != nil {
		return nil, err
	}
	body := canonicalEntry{
		ActorID:         e.ActorID,
		Action:          string(e.Action),
		Details:         e.Details,
		SubjectTaskID:   e.SubjectTaskID,
		Metadata:        meta,
		EntityType:      e.EntityType,
		EntityID:        e.EntityID,
		IPHash:          e.ClientFingerprint.IPHash,
		DeviceHash:      e.ClientFingerprint.DeviceHash,
		IntegrityStatus: string(e.IntegrityStatus),
		Timestamp:       FormatTimestamp(e.Timestamp),
		PreviousHash:    e.PreviousHash,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("canonicalize entry: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// ComputeEntryHash returns the SHA-256 of the canonical body of e.
func ComputeEntryHash(e LedgerEntry) (string, error) {
	body, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	return SHA256Hex(body), nil
}
