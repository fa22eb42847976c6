// Package launch encodes, decodes and validates SMART launch context
// values. A launch is either base64 encoded JSON or a legacy bare
// patient identifier.
package launch

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmpty     = errors.New("launch is empty")
	ErrNotObject = errors.New("launch is not a JSON object")
	ErrNoPatient = errors.New("launch has no string patient field")
)

// Context is a decoded launch payload.
type Context map[string]any

// Patient returns the patient field when it is a string.
func (c Context) Patient() (string, bool) {
	p, ok := c["patient"].(string)
	return p, ok
}

// Encode returns the base64 encoded JSON form of c.
func Encode(c Context) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshaling launch: %w", err)
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a base64 encoded JSON object.
func Decode(s string) (Context, error) {
	if s == "" {
		return nil, ErrEmpty
	}

	raw, err := decodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("decoding launch: %w", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parsing launch: %w", err)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}

	return Context(obj), nil
}

// DecodePatient decodes s and requires a string patient field.
func DecodePatient(s string) (Context, error) {
	c, err := Decode(s)
	if err != nil {
		return nil, err
	}

	if _, ok := c.Patient(); !ok {
		return nil, ErrNoPatient
	}

	return c, nil
}

// Validate reports whether s is an acceptable launch value: an encoded
// object with a string patient, or a legacy non-empty identifier that
// is not encoded JSON at all.
func Validate(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}

	raw, err := decodeBase64(s)
	if err != nil {
		return true
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}

	_, ok = obj["patient"].(string)

	return ok
}

func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}

	return base64.RawStdEncoding.DecodeString(s)
}
