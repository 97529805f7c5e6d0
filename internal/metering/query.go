package metering

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// PageSize returns the effective page size for q.
func (q Query) PageSize() int {
	switch {
	case q.Limit <= 0:
		return DefaultPageSize
	case q.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return q.Limit
	}
}

// Where builds a WHERE clause and its arguments from the filters in q.
// placeholder renders the bind marker for the nth argument, starting at 1,
// and ts converts time bounds into the column's storage type. The returned
// string starts with " WHERE" or is empty.
func (q Query) Where(placeholder func(n int) string, ts func(time.Time) any) (string, []any) {
	var conditions []string
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, placeholder(len(args))))
	}

	if q.TenantID != "" {
		add("tenant_id = %s", q.TenantID)
	}
	if q.AgentType != "" {
		add("agent_type = %s", q.AgentType)
	}
	if q.Status != "" {
		add("status = %s", q.Status)
	}
	if !q.From.IsZero() {
		add("created_at >= %s", ts(q.From))
	}
	if !q.To.IsZero() {
		add("created_at <= %s", ts(q.To))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// EncodeCursor encodes a timestamp and id into an opaque cursor string.
func EncodeCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor decodes an opaque cursor string into a timestamp and id.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
