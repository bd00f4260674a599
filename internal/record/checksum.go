package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum computes the content digest used throughout the store: the first
// 16 bytes of SHA-256, hex encoded. 128 bits is enough for corruption
// detection; this is not a security boundary.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:16])
}

// canonicalBytes marshals v through encoding/json, which writes map keys in
// sorted order at every nesting level. Equal logical content therefore
// always yields equal bytes regardless of field ordering in the input.
func canonicalBytes(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return data, nil
}

// ContentChecksum digests the record's flat form minus the checksum field
// itself.
func (r Record) ContentChecksum() (string, error) {
	flat := r.Flatten()
	delete(flat, fieldChecksum)
	data, err := canonicalBytes(flat)
	if err != nil {
		return "", err
	}
	return Sum(data), nil
}

// VerifyChecksum recomputes the content checksum and compares it with the
// stored one. Returns an *IntegrityError on mismatch, nil otherwise.
// Records without a stored checksum (legacy format) pass.
func (r Record) VerifyChecksum() error {
	if r.Checksum == "" {
		return nil
	}
	actual, err := r.ContentChecksum()
	if err != nil {
		return err
	}
	if actual != r.Checksum {
		return &IntegrityError{Scope: "record " + r.ID, Expected: r.Checksum, Actual: actual}
	}
	return nil
}

// CollectionChecksum digests a whole collection's canonical form. Used as
// the aggregate checksum in envelopes and snapshot metadata.
func CollectionChecksum(records []Record) (string, error) {
	data, err := canonicalBytes(records)
	if err != nil {
		return "", err
	}
	return Sum(data), nil
}

// PayloadChecksum digests a map of entity type to collection, the payload
// of a backup archive.
func PayloadChecksum(collections map[string][]Record) (string, error) {
	data, err := canonicalBytes(collections)
	if err != nil {
		return "", err
	}
	return Sum(data), nil
}

// IntegrityError reports a checksum mismatch.
type IntegrityError struct {
	Scope    string // what was being verified, e.g. "record t1", "tasks envelope"
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: stored %s, computed %s", e.Scope, e.Expected, e.Actual)
}
