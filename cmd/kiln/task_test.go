package main

import (
	"strings"
	"testing"
	"time"
)

func TestParseAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseAfter("in 2 hours", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ts, err := time.Parse(time.RFC3339, got)
	if err != nil {
		t.Fatalf("result %q is not RFC3339: %v", got, err)
	}
	if diff := ts.Sub(now); diff < time.Hour || diff > 3*time.Hour {
		t.Errorf("in 2 hours parsed to %v from now", diff)
	}
}

func TestParseAfterGibberish(t *testing.T) {
	if _, err := parseAfter("flurble gronk", time.Now()); err == nil {
		t.Error("expected an error for unparseable input")
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo\nthree"); got != "one" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("single"); got != "single" {
		t.Errorf("firstLine = %q", got)
	}
}

func TestWriteInitConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	path, err := writeInitConfig(&initRawInput{
		StoreDir:        ".kiln",
		Project:         "demo",
		WorkspaceDir:    ".",
		MaxSpendProject: "25.00",
		Versioned:       true,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(path, "kiln.yaml") {
		t.Errorf("path = %q", path)
	}
}
