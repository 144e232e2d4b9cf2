package jobqueue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/petrijr/flowpipe/internal/xjson"
)

// normalizeData round-trips a payload through JSON so every backend hands
// back the same generic shapes (maps, slices, float64).
func normalizeData(v any) (any, error) {
	s, err := encodeData(v)
	if err != nil {
		return nil, err
	}
	return decodeData(s)
}

func encodeData(v any) (string, error) {
	s, err := xjson.EncodeAny(v)
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}
	return s, nil
}

func decodeData(s string) (any, error) {
	v, err := xjson.DecodeAny(s)
	if err != nil {
		return nil, fmt.Errorf("decode job data: %w", err)
	}
	return v, nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
