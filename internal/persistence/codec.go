package persistence

import (
	"fmt"

	"github.com/petrijr/flowpipe/internal/xjson"
)

// encodeMap serializes a params-like map as a JSON object.
func encodeMap(m map[string]any) (string, error) {
	s, err := xjson.EncodeMap(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return s, nil
}

func decodeMap(s string) (map[string]any, error) {
	m, err := xjson.DecodeMap(s)
	if err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	return m, nil
}

// cloneMap returns a deep copy of m by round-tripping through JSON, which
// also normalizes values to the shapes the SQL stores hand back.
func cloneMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	s, err := encodeMap(m)
	if err != nil {
		return nil, err
	}
	return decodeMap(s)
}
