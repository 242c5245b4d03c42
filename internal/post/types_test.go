package post

import (
	"testing"
	"time"
)

func TestAggregate(t *testing.T) {
	t.Parallel()
	plats := []Platform{PlatformLinkedIn, PlatformTwitter}
	retryAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		outcomes map[Platform]Outcome
		want     JobStatus
		terminal bool
	}{
		{
			name: "all succeeded",
			outcomes: map[Platform]Outcome{
				PlatformLinkedIn: {State: OutcomeSucceeded, ExternalID: "li-1"},
				PlatformTwitter:  {State: OutcomeSucceeded, ExternalID: "tw-1"},
			},
			want: StatusCompleted, terminal: true,
		},
		{
			name: "all failed terminally",
			outcomes: map[Platform]Outcome{
				PlatformLinkedIn: {State: OutcomeFailed, ErrorKind: ErrorKindPermanent},
				PlatformTwitter:  {State: OutcomeFailed, ErrorKind: ErrorKindTransient},
			},
			want: StatusFailed, terminal: true,
		},
		{
			name: "mixed terminal",
			outcomes: map[Platform]Outcome{
				PlatformLinkedIn: {State: OutcomeSucceeded, ExternalID: "li-1"},
				PlatformTwitter:  {State: OutcomeFailed, ErrorKind: ErrorKindPermanent},
			},
			want: StatusPartiallyFailed, terminal: true,
		},
		{
			name: "retry pending keeps job live",
			outcomes: map[Platform]Outcome{
				PlatformLinkedIn: {State: OutcomeSucceeded, ExternalID: "li-1"},
				PlatformTwitter:  {State: OutcomeFailed, ErrorKind: ErrorKindTransient, NextAttemptAt: retryAt},
			},
			want: StatusScheduled, terminal: false,
		},
		{
			name: "missing outcome keeps job live",
			outcomes: map[Platform]Outcome{
				PlatformLinkedIn: {State: OutcomeSucceeded, ExternalID: "li-1"},
			},
			want: StatusScheduled, terminal: false,
		},
		{
			name: "inconsistent success is partial failure",
			outcomes: map[Platform]Outcome{
				PlatformLinkedIn: {State: OutcomeSucceeded, ExternalID: "li-1", Inconsistent: true},
				PlatformTwitter:  {State: OutcomeSucceeded, ExternalID: "tw-1"},
			},
			want: StatusPartiallyFailed, terminal: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, terminal := Aggregate(plats, tt.outcomes)
			if terminal != tt.terminal {
				t.Fatalf("terminal = %v, want %v", terminal, tt.terminal)
			}
			if terminal && got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextDue(t *testing.T) {
	t.Parallel()
	plats := []Platform{PlatformLinkedIn, PlatformTwitter}
	fallback := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	early := fallback.Add(5 * time.Minute)
	late := fallback.Add(30 * time.Minute)

	got := NextDue(plats, map[Platform]Outcome{
		PlatformLinkedIn: {State: OutcomeFailed, ErrorKind: ErrorKindTransient, NextAttemptAt: late},
		PlatformTwitter:  {State: OutcomeFailed, ErrorKind: ErrorKindTransient, NextAttemptAt: early},
	}, fallback)
	if !got.Equal(early) {
		t.Fatalf("NextDue = %v, want %v", got, early)
	}

	// A platform never attempted is due immediately.
	got = NextDue(plats, map[Platform]Outcome{
		PlatformLinkedIn: {State: OutcomeFailed, ErrorKind: ErrorKindTransient, NextAttemptAt: late},
	}, fallback)
	if !got.Equal(fallback) {
		t.Fatalf("NextDue = %v, want fallback %v", got, fallback)
	}

	// All terminal: nothing due, fallback returned.
	got = NextDue(plats, map[Platform]Outcome{
		PlatformLinkedIn: {State: OutcomeSucceeded},
		PlatformTwitter:  {State: OutcomeFailed, ErrorKind: ErrorKindPermanent},
	}, fallback)
	if !got.Equal(fallback) {
		t.Fatalf("NextDue = %v, want fallback %v", got, fallback)
	}
}
