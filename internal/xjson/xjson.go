// Package xjson is the single import site for JSON encoding, so callers do
// not depend on a particular implementation.
package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage

// EncodeAny encodes v, mapping nil to an empty document.
func EncodeAny(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := gjson.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeAny decodes s into generic values (maps, slices, float64, ...).
// An empty string decodes to nil.
func DecodeAny(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	var v any
	if err := gjson.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeMap encodes a params map, writing "{}" for nil.
func EncodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := gjson.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMap decodes a params map; empty input yields an empty map.
func DecodeMap(s string) (map[string]any, error) {
	out := map[string]any{}
	if s == "" {
		return out, nil
	}
	if err := gjson.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
