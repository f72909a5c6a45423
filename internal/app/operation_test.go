package app

import (
	"errors"
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("BRT", -3*3600))
	op := NewOperation("node run", now)

	if op.RunID != "20240115T133000Z" {
		t.Errorf("RunID = %q, want %q", op.RunID, "20240115T133000Z")
	}
	if op.Command != "node run" {
		t.Errorf("Command = %q, want %q", op.Command, "node run")
	}
	if op.Status != "running" {
		t.Errorf("Status = %q, want %q", op.Status, "running")
	}
	if op.Done() {
		t.Error("Done() = true before Finish")
	}
}

func TestOperation_Finish(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name       string
		err        error
		wantStatus string
		wantErr    string
	}{
		{name: "success", wantStatus: "success"},
		{name: "error", err: errors.New("listen tcp :3847: address already in use"), wantStatus: "error", wantErr: "listen tcp :3847: address already in use"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation("license serve", start)
			if got := op.Finish(tt.err, start.Add(90*time.Second)); got != 90*time.Second {
				t.Errorf("Finish() = %v, want %v", got, 90*time.Second)
			}
			if op.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", op.Status, tt.wantStatus)
			}
			if op.Err != tt.wantErr {
				t.Errorf("Err = %q, want %q", op.Err, tt.wantErr)
			}
			if !op.Done() {
				t.Error("Done() = false after Finish")
			}
		})
	}
}

func TestOperation_FinishOnce(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	op := NewOperation("sync now", start)
	op.Finish(nil, start.Add(time.Second))

	if got := op.Finish(errors.New("late"), start.Add(time.Minute)); got != 0 {
		t.Errorf("second Finish() = %v, want 0", got)
	}
	if op.Status != "success" {
		t.Errorf("Status = %q, want %q", op.Status, "success")
	}
}
