package timeres

import (
	"errors"
	"testing"
	"time"
)

var ref = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) // a Monday

func TestResolveVariants(t *testing.T) {
	t.Parallel()
	r := New(time.UTC)

	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"relative hours", "in 2 hours", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"relative minutes", "in 45 min", time.Date(2024, 1, 1, 10, 45, 0, 0, time.UTC)},
		{"relative days", "in 3 days", time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC)},
		{"immediate", "immediately", time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC)},
		{"now", "now", time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC)},
		{"tomorrow with time", "tomorrow at 2 PM", time.Date(2024, 1, 2, 14, 0, 0, 0, time.UTC)},
		{"bare tomorrow", "tomorrow", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)},
		{"today with time", "today at 5 pm", time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)},
		{"next weekday", "next Friday at 10 AM", time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)},
		{"next weekday default slot", "next friday", time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)},
		{"same weekday rolls a week", "next monday at 9 am", time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)},
		{"weekday today still ahead", "monday at 11 am", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"weekday today already past", "monday at 9 am", time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)},
		{"time of day ahead", "at 2 PM", time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)},
		{"time of day past rolls forward", "at 9 am", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)},
		{"24h clock", "14:30", time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC)},
		{"padded 24h clock past", "05:30", time.Date(2024, 1, 2, 5, 30, 0, 0, time.UTC)},
		{"explicit datetime", "2024-03-10 18:05", time.Date(2024, 3, 10, 18, 5, 0, 0, time.UTC)},
		{"rfc3339", "2024-01-01T16:00:00Z", time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.raw, ref)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.raw, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Resolve(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestResolveAmbiguous(t *testing.T) {
	t.Parallel()
	r := New(time.UTC)
	for _, raw := range []string{"at 5", "9:30", "tomorrow at 7", "today", "next friday at 3"} {
		if _, err := r.Resolve(raw, ref); !errors.Is(err, ErrAmbiguous) {
			t.Fatalf("Resolve(%q) err = %v, want ErrAmbiguous", raw, err)
		}
	}
}

func TestResolveUnparseable(t *testing.T) {
	t.Parallel()
	r := New(time.UTC)
	for _, raw := range []string{"", "whenever", "in minus two hours", "25:00", "2024-13-40 09:00", "at 99"} {
		if _, err := r.Resolve(raw, ref); !errors.Is(err, ErrUnparseable) {
			t.Fatalf("Resolve(%q) err = %v, want ErrUnparseable", raw, err)
		}
	}
}

func TestResolveUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	r := New(loc)

	// 10:00 UTC is 17:00 local; "at 6 pm" is still ahead today.
	got, err := r.Resolve("at 6 pm", ref)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	want := time.Date(2024, 1, 1, 18, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}

	// "at 4 pm" already passed locally, rolls to tomorrow.
	got, err = r.Resolve("at 4 pm", ref)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	want = time.Date(2024, 1, 2, 16, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
}
