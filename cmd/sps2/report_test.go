package main

import (
	"testing"
	"time"

	"github.com/sps2/sps2/pkg/transition"
)

func TestReportFromTransition(t *testing.T) {
	r := transition.Report{
		StateID: "state-2", Operation: "install", PackagesChanged: 1,
		FilesPlaced: 3, FilesRemoved: 0, Duration: 1500 * time.Millisecond,
	}
	got := reportFromTransition(r)

	if got.StateID != "state-2" || got.Operation != "install" {
		t.Fatalf("unexpected report: %+v", got)
	}
	if got.DurationSeconds != 1.5 {
		t.Fatalf("expected duration 1.5s, got %v", got.DurationSeconds)
	}
}

func TestDisplayState(t *testing.T) {
	if got := displayState(""); got != "(none)" {
		t.Fatalf("got %q", got)
	}
	if got := displayState("state-1"); got != "state-1" {
		t.Fatalf("got %q", got)
	}
}
