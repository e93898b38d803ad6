// Package signer implements deterministic JSON canonicalization and the
// HMAC-SHA256 signatures carried on milestone envelopes.
//
// Both ends of the milestone channel must produce byte-identical canonical
// JSON for the same value, otherwise every signature is rejected. The
// canonical form is: object keys sorted by code point at every depth, array
// order preserved, no insignificant whitespace, no HTML escaping.
package signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrEmptySecret is returned when signing without a secret.
var ErrEmptySecret = errors.New("signing secret is empty")

// Canonicalize normalizes v into plain JSON values (map[string]any, []any,
// string, json.Number, bool, nil). Structs are converted through their JSON
// encoding so struct tags decide the key names.
func Canonicalize(v any) (any, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// CanonicalJSON returns the canonical serialization of v.
func CanonicalJSON(v any) ([]byte, error) {
	norm, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Sign returns the hex HMAC-SHA256 of the canonical JSON of payload.
func Sign(payload any, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	body, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return SignBytes(body, secret), nil
}

// SignBytes signs bytes that are already canonical.
func SignBytes(canonical []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature of payload and compares it with
// signatureHex in constant time. Malformed hex never matches.
func Verify(payload any, secret, signatureHex string) bool {
	expected, err := Sign(payload, secret)
	if err != nil {
		return false
	}
	return equalHex(expected, signatureHex)
}

// VerifyBytes is Verify for a raw request body: the body is decoded and
// re-canonicalized so key order on the wire does not matter.
func VerifyBytes(body []byte, secret, signatureHex string) bool {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	return Verify(v, secret, signatureHex)
}

func equalHex(a, b string) bool {
	ab, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	// hmac.Equal checks length first and compares with subtle.ConstantTimeCompare.
	return hmac.Equal(ab, bb)
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalNoEscape(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := marshalNoEscape(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
