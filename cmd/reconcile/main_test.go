package main

import (
	"testing"
	"time"
)

func TestParseOptions_Defaults(t *testing.T) {
	opts, err := parseOptions(nil)
	if err != nil {
		t.Fatalf("parseOptions() error = %v", err)
	}

	if !opts.once {
		t.Error("expected once mode by default")
	}
	if opts.interval != 0 {
		t.Errorf("expected zero interval (config fallback), got %v", opts.interval)
	}
	if opts.threshold != 0 {
		t.Errorf("expected zero threshold (config fallback), got %v", opts.threshold)
	}
	if opts.batchSize != 100 {
		t.Errorf("expected default batch size 100, got %d", opts.batchSize)
	}
}

func TestParseOptions_PeriodicMode(t *testing.T) {
	opts, err := parseOptions([]string{"-once=false", "-interval=15s", "-threshold=2m", "-batch-size=25"})
	if err != nil {
		t.Fatalf("parseOptions() error = %v", err)
	}

	if opts.once {
		t.Error("expected periodic mode")
	}
	if opts.interval != 15*time.Second {
		t.Errorf("interval = %v, want 15s", opts.interval)
	}
	if opts.threshold != 2*time.Minute {
		t.Errorf("threshold = %v, want 2m", opts.threshold)
	}
	if opts.batchSize != 25 {
		t.Errorf("batchSize = %d, want 25", opts.batchSize)
	}
}

func TestParseOptions_InvalidBatchSize(t *testing.T) {
	if _, err := parseOptions([]string{"-batch-size=0"}); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := parseOptions([]string{"-batch-size=-5"}); err == nil {
		t.Error("expected error for negative batch size")
	}
}
