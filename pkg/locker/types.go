package locker

import (
	"time"
)

// Address is the evidence locker's bus address.
const Address = "1-1"

// Kind is the coarse media classification of an evidence item.
type Kind string

const (
	KindDocument Kind = "document"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindText     Kind = "text"
)

// Status is the processing status of an evidence item.
type Status string

const (
	StatusIngested    Status = "ingested"
	StatusClassified  Status = "classified"
	StatusIndexed     Status = "indexed"
	StatusDispatched  Status = "dispatched"
	StatusProcessed   Status = "processed"
	StatusQuarantined Status = "quarantined"
)

// ClassificationUnknown marks items whose classifier exhausted its
// retry budget.
const ClassificationUnknown = "unknown"

// CustodyEntry is one append-only custody chain record. Entries are
// never pruned.
type CustodyEntry struct {
	ActorAddress string    `json:"actor_address"`
	Action       string    `json:"action"`
	Timestamp    time.Time `json:"timestamp"`
	Note         string    `json:"note,omitempty"`
}

// Item is one evidence item. Identity is the content hash: the same
// bytes ingested twice resolve to the same evidence_id.
type Item struct {
	EvidenceID     string         `json:"evidence_id"`
	ContentHash    string         `json:"content_hash"` // hex SHA-256 of the bytes
	Kind           Kind           `json:"kind"`
	Path           string         `json:"path"`
	Size           int64          `json:"size"`
	CapturedAt     time.Time      `json:"captured_at,omitempty"`
	IngestedAt     time.Time      `json:"ingested_at"`
	Classification string         `json:"classification,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	SectionHints   []string       `json:"section_hints,omitempty"`
	Status         Status         `json:"status"`
	CustodyChain   []CustodyEntry `json:"custody_chain"`
}

// ManifestRecord is one row of the append-only evidence manifest, the
// authoritative per-case history and the source for dedup decisions.
type ManifestRecord struct {
	EvidenceID   string    `json:"evidence_id"`
	Event        string    `json:"event"`
	Timestamp    time.Time `json:"timestamp"`
	ActorAddress string    `json:"actor_address"`
}

// Manifest events.
const (
	EventIngested   = "ingested"
	EventDuplicate  = "duplicate"
	EventClassified = "classified"
	EventIndexed    = "indexed"
	EventQuarantine = "quarantined"
	EventReclassify = "reclassify"
)

// mergeTags returns the set union of a and b, preserving a's order and
// appending new tags in b's order.
func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string(nil), a...)
	for _, t := range a {
		seen[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
