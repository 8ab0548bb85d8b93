package repository

import (
	"testing"
	"time"
)

func TestParseRange(t *testing.T) {
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		from, to  string
		wantStart time.Time
		wantEnd   time.Time
		wantErr   bool
	}{
		{
			name:    "empty defaults to now",
			wantEnd: now,
		},
		{
			name:      "whole days",
			from:      "2024-03-01",
			to:        "2024-03-02",
			wantStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 2, 23, 59, 59, 999999999, time.UTC),
		},
		{
			name:      "instants converted to utc",
			from:      "2024-03-01T10:00:00+08:00",
			to:        "2024-03-01T12:00:00Z",
			wantStart: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{name: "bad date", from: "03/01/2024", wantErr: true},
		{name: "reversed", from: "2024-03-05", to: "2024-03-01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := ParseRange(tt.from, tt.to, now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange: %v", err)
			}
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Fatalf("range = [%s, %s], want [%s, %s]", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}
