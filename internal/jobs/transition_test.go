package jobs

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func processingRecord() *Record {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return &Record{
		JobID:     "00000000-0000-4000-8000-000000000001",
		Status:    StatusProcessing,
		Step:      StepTranscribing,
		Progress:  35,
		Owner:     "w",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestApplyMutation(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  Mutation
		wantErr error
		check   func(t *testing.T, r *Record)
	}{
		{
			name:   "advance forward",
			mutate: Advance(StepAligning, 50, "aligning"),
			check: func(t *testing.T, r *Record) {
				if r.Step != StepAligning || r.Progress != 50 {
					t.Fatalf("unexpected record: %+v", r)
				}
				if !r.UpdatedAt.Equal(now) {
					t.Fatalf("UpdatedAt = %v, want %v", r.UpdatedAt, now)
				}
			},
		},
		{
			name:   "lower progress keeps previous value",
			mutate: Advance(StepTranscribing, 20, ""),
			check: func(t *testing.T, r *Record) {
				if r.Progress != 35 {
					t.Fatalf("progress = %d, want 35", r.Progress)
				}
			},
		},
		{
			name:   "progress is clamped",
			mutate: Advance(StepFinalizing, 250, ""),
			check: func(t *testing.T, r *Record) {
				if r.Progress != 100 {
					t.Fatalf("progress = %d, want 100", r.Progress)
				}
			},
		},
		{
			name:    "step cannot go backwards",
			mutate:  Advance(StepConverting, 40, ""),
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "completed step requires completed status",
			mutate:  Advance(StepCompleted, 100, ""),
			wantErr: ErrInvalidTransition,
		},
		{
			name: "failed requires error detail",
			mutate: func(r *Record) error {
				r.Status = StatusFailed
				return nil
			},
			wantErr: ErrInvalidTransition,
		},
		{
			name:   "fail keeps step and progress",
			mutate: Fail("InputError", strings.Repeat("x", 1200)),
			check: func(t *testing.T, r *Record) {
				if r.Status != StatusFailed || r.Step != StepTranscribing || r.Progress != 35 {
					t.Fatalf("unexpected record: %+v", r)
				}
				if len(r.Error.Message) != maxErrorMessageLen {
					t.Fatalf("error message length = %d", len(r.Error.Message))
				}
				if r.CompletedAt == nil {
					t.Fatal("CompletedAt must be set on failure")
				}
			},
		},
		{
			name: "owner cannot be rewritten",
			mutate: func(r *Record) error {
				r.Owner = "intruder"
				return nil
			},
			check: func(t *testing.T, r *Record) {
				if r.Owner != "w" {
					t.Fatalf("owner = %q", r.Owner)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := processingRecord()
			next, err := applyMutation(current, "w", tt.mutate, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("applyMutation returned error: %v", err)
			}
			if current.Progress != 35 || current.Step != StepTranscribing {
				t.Fatalf("current record was modified: %+v", current)
			}
			tt.check(t, next)
		})
	}
}

func TestApplyMutationRejectsTerminal(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusFailed} {
		current := processingRecord()
		current.Status = status
		if _, err := applyMutation(current, "w", Advance(StepFinalizing, 99, ""), time.Now()); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s: err = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestApplyMutationRejectsOtherOwner(t *testing.T) {
	if _, err := applyMutation(processingRecord(), "other", nil, time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCompleteRequiresProcessing(t *testing.T) {
	current := processingRecord()
	current.Status = StatusPending
	current.Step = StepUploaded
	current.Progress = 0
	if _, err := applyMutation(current, "w", Complete("done", 1, "", ""), time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestIsValidStatusTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusFailed, StatusProcessing, false},
	}
	for _, c := range cases {
		if got := isValidStatusTransition(c.from, c.to); got != c.want {
			t.Errorf("isValidStatusTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTouchRefreshesHeartbeatOnly(t *testing.T) {
	current := processingRecord()
	now := current.UpdatedAt.Add(10 * time.Minute)
	next, err := applyMutation(current, "w", Touch(), now)
	if err != nil {
		t.Fatalf("applyMutation returned error: %v", err)
	}
	if !next.UpdatedAt.Equal(now) {
		t.Fatalf("UpdatedAt = %v, want %v", next.UpdatedAt, now)
	}
	if next.Step != current.Step || next.Progress != current.Progress || next.Status != current.Status {
		t.Fatalf("touch changed the record: %+v", next)
	}
}

func TestChainStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	count := func(*Record) error { calls++; return nil }
	m := Chain(count, nil, func(*Record) error { return boom }, count)
	if err := m(processingRecord()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestCancelRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("pending fails immediately", func(t *testing.T) {
		current := processingRecord()
		current.Status = StatusPending
		current.Step = StepUploaded
		current.Progress = 0
		current.Owner = ""
		next, err := cancelRecord(current, "中止しました", now)
		if err != nil {
			t.Fatalf("cancelRecord returned error: %v", err)
		}
		if next.Status != StatusFailed || next.Error == nil || next.Error.Kind != ErrorKindCancelled {
			t.Fatalf("unexpected record: %+v", next)
		}
		if !next.CancelRequested || next.CompletedAt == nil {
			t.Fatalf("cancel flag or completion time missing: %+v", next)
		}
	})

	t.Run("processing only sets the flag", func(t *testing.T) {
		current := processingRecord()
		next, err := cancelRecord(current, "中止しました", now)
		if err != nil {
			t.Fatalf("cancelRecord returned error: %v", err)
		}
		if !next.CancelRequested || next.Status != StatusProcessing {
			t.Fatalf("unexpected record: %+v", next)
		}
		if !next.UpdatedAt.Equal(current.UpdatedAt) {
			t.Fatalf("heartbeat moved: %v", next.UpdatedAt)
		}
		if current.CancelRequested {
			t.Fatalf("current record was modified")
		}
	})

	t.Run("terminal is rejected", func(t *testing.T) {
		current := processingRecord()
		current.Status = StatusCompleted
		if _, err := cancelRecord(current, "", now); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("owner updates keep the flag", func(t *testing.T) {
		current := processingRecord()
		current.CancelRequested = true
		next, err := applyMutation(current, "w", func(r *Record) error {
			r.CancelRequested = false
			return nil
		}, now)
		if err != nil {
			t.Fatalf("applyMutation returned error: %v", err)
		}
		if !next.CancelRequested {
			t.Fatalf("cancel flag was cleared")
		}
	})
}
