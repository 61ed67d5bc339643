package main

import (
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"toolbridge/internal/router"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("State", statusError, "failed", false)
	want := fmt.Sprintf("%s%-*s %s %s", statusIndent, statusLabelWidth, "State", "[error]", "failed")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineColorsBadgeOnly(t *testing.T) {
	got := renderStatusLine("State", statusOK, "running", true)
	if !strings.Contains(got, ansiGreen+"[ok]"+ansiReset) {
		t.Fatalf("expected colored badge, got %q", got)
	}
	if !strings.HasPrefix(got, statusIndent+"State") {
		t.Fatalf("label should stay uncolored, got %q", got)
	}
	if !strings.HasSuffix(got, " running") {
		t.Fatalf("value should stay uncolored, got %q", got)
	}
}

func TestRenderStatusLineInfoHasNoColor(t *testing.T) {
	got := renderStatusLine("PID", statusInfo, "42", true)
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("info lines should not be colored, got %q", got)
	}
}

func TestRenderSectionHeaderUnderlinesTitle(t *testing.T) {
	lines := strings.Split(renderSectionHeader("Worker", false), "\n")
	if len(lines) != 2 {
		t.Fatalf("header lines = %d, want 2", len(lines))
	}
	if lines[0] != "Worker" || lines[1] != strings.Repeat("-", len("Worker")) {
		t.Fatalf("header = %q", lines)
	}
}

func TestWorkerStateKind(t *testing.T) {
	cases := map[string]statusKind{
		"running":    statusOK,
		"degraded":   statusWarn,
		"crashed":    statusWarn,
		"restarting": statusWarn,
		"failed":     statusError,
		"starting":   statusInfo,
	}
	for state, want := range cases {
		if got := workerStateKind(state); got != want {
			t.Fatalf("workerStateKind(%q) = %d, want %d", state, got, want)
		}
	}
}

func TestBuildCallRowsIncludesLatencyOnlyWithSamples(t *testing.T) {
	rows := buildCallRows(router.Snapshot{Completed: 3})
	for _, row := range rows {
		if strings.HasPrefix(row[0], "Latency") {
			t.Fatalf("unexpected latency row without samples: %v", row)
		}
	}

	rows = buildCallRows(router.Snapshot{
		Completed: 3,
		Latency:   router.LatencyStats{Samples: 3, Mean: 12 * time.Millisecond, P50: 10 * time.Millisecond, P95: 30 * time.Millisecond},
	})
	var found bool
	for _, row := range rows {
		if row[0] == "Latency p95" && row[1] == "30ms" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing latency p95 row: %v", rows)
	}
}

func TestRenderCounterTable(t *testing.T) {
	out := renderCounterTable([][2]string{{"Completed", "12"}, {"Failed", "1"}})
	if !strings.Contains(out, "Completed") || !strings.Contains(out, "12") {
		t.Fatalf("table missing rows:\n%s", out)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatal("expected non-file writer to disable color")
	}
}

func TestFormatResult(t *testing.T) {
	if got := formatResult(nil); got != "null" {
		t.Fatalf("empty result = %q", got)
	}
	got := formatResult([]byte(`{"a":1}`))
	if !strings.Contains(got, "\"a\": 1") {
		t.Fatalf("expected indented JSON, got %q", got)
	}
}
