package refcache

import "time"

// Entry is a stored record. Entries are immutable once written: Set with the
// same (namespace, key) replaces the whole record in place, and the
// namespace never changes after creation.
type Entry struct {
	Value     any               `json:"value"`
	Namespace string            `json:"namespace"`
	Policy    AccessPolicy      `json:"policy"`
	CreatedAt int64             `json:"created_at"`
	ExpiresAt int64             `json:"expires_at,omitempty"` // unix seconds; 0 = no expiry
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the entry's TTL has lapsed at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.Unix() >= e.ExpiresAt
}
