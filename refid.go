package refcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

// Reference identifiers have the wire form "<cache-name>:<hex-digest>":
// printable ASCII, at most 128 octets, digest at least 8 lowercase hex
// characters. They double as the backend storage key, which keeps a ref id
// deterministic in (namespace, canonical key) and globally unique per cache
// name.
var (
	refIDPattern     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*:[a-f0-9]{8,}$`)
	cacheNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

// MaxRefIDLen is the longest valid reference identifier, in octets.
const MaxRefIDLen = 128

// refDigestLen is the number of hex characters kept from the hash.
const refDigestLen = 16

// IsRefID reports whether s has the reference-identifier wire form.
func IsRefID(s string) bool {
	return len(s) <= MaxRefIDLen && refIDPattern.MatchString(s)
}

// ValidCacheName reports whether name may prefix reference identifiers.
func ValidCacheName(name string) bool {
	return name != "" && cacheNamePattern.MatchString(name)
}

// CanonicalJSON serializes v under a fixed rule: object keys sorted, no
// insignificant whitespace, stable number formatting. Equal logical values
// always produce identical bytes, which is what makes cache keys and minted
// identifiers deterministic.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through the generic representation so struct field order
	// and numeric types collapse to the JSON data model before the final,
	// key-sorted marshal.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// MintRefID derives the reference identifier for a (namespace, canonical
// key) pair under the given cache name. Minting is a pure function: equal
// inputs always yield the same identifier.
func MintRefID(cacheName, namespace string, canonicalKey []byte) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write(canonicalKey)
	digest := hex.EncodeToString(h.Sum(nil))
	return cacheName + ":" + digest[:refDigestLen]
}
