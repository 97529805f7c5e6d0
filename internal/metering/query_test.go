package metering

import (
	"fmt"
	"testing"
	"time"
)

func dollar(n int) string { return fmt.Sprintf("$%d", n) }
func question(int) string { return "?" }
func asTime(t time.Time) any { return t }

func TestQueryWhere(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		q         Query
		ph        func(int) string
		wantWhere string
		wantArgs  int
	}{
		{"empty", Query{}, dollar, "", 0},
		{"tenant", Query{TenantID: "acme"}, dollar, " WHERE tenant_id = $1", 1},
		{
			"all filters",
			Query{TenantID: "acme", AgentType: "support", Status: "error", From: from, To: from.AddDate(0, 1, 0)},
			dollar,
			" WHERE tenant_id = $1 AND agent_type = $2 AND status = $3 AND created_at >= $4 AND created_at <= $5",
			5,
		},
		{"question marks", Query{AgentType: "support", Status: "success"}, question, " WHERE agent_type = ? AND status = ?", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := tt.q.Where(tt.ph, asTime)
			if where != tt.wantWhere {
				t.Errorf("where:\n got %q\nwant %q", where, tt.wantWhere)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("expected %d args, got %d", tt.wantArgs, len(args))
			}
		})
	}
}

func TestQueryPageSize(t *testing.T) {
	tests := []struct {
		limit, want int
	}{
		{0, DefaultPageSize},
		{-3, DefaultPageSize},
		{10, 10},
		{MaxPageSize + 1, MaxPageSize},
	}
	for _, tt := range tests {
		if got := (Query{Limit: tt.limit}).PageSize(); got != tt.want {
			t.Errorf("PageSize(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 15, 123456789, time.UTC)
	cur := EncodeCursor(ts, "b6a0c3a4-7a5e-4b1c-9f0e-2d8e0e6f6a11")

	gotTS, gotID, err := DecodeCursor(cur)
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if !gotTS.Equal(ts) || gotID != "b6a0c3a4-7a5e-4b1c-9f0e-2d8e0e6f6a11" {
		t.Errorf("round trip mismatch: %v %q", gotTS, gotID)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, cur := range []string{"!!!", "bm8tc2VwYXJhdG9y", "bm90LWEtdGltZXxpZA"} {
		if _, _, err := DecodeCursor(cur); err == nil {
			t.Errorf("expected error for %q", cur)
		}
	}
}
