package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical returns the deterministic JSON encoding used for every hash in the ledger.
// Object keys are sorted at every depth and numbers keep their literal form.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical value: %w", err)
	}
	return normalize(raw)
}

// CanonicalData derives the digest input of a tick payload. Absent payloads contribute
// nothing, strings contribute their raw text, other scalars their literal and structured
// values their canonical JSON.
func CanonicalData(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	tree, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	switch v := tree.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case json.Number:
		return []byte(v.String()), nil
	case bool:
		if v {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	default:
		return encodeTree(v)
	}
}

// EncodePayload turns an arbitrary payload into the stored form of Tick.Data.
func EncodePayload(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, nil
		}
		return normalize(raw)
	}
	return Canonical(data)
}

// HashHex is the SHA-256 digest of b, hex encoded.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func normalize(raw []byte) ([]byte, error) {
	tree, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	return encodeTree(tree)
}

func decodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("failed to decode canonical value: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode canonical value: trailing data")
	}
	return tree, nil
}

func encodeTree(tree any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("failed to encode canonical value: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
