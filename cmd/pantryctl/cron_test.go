package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestCronDescribe_Minutes(t *testing.T) {
	out, err := execute(t, "cron", "describe", "90", "--json=true", "--next", "2", "--tz", "UTC")
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}

	var d cronDescription
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("failed to decode output %q: %v", out, err)
	}
	if d.Expression != "0 */1 * * *" {
		t.Errorf("expected 0 */1 * * *, got %s", d.Expression)
	}
	if d.Description != "Every 1 hour" {
		t.Errorf("expected Every 1 hour, got %s", d.Description)
	}
	if len(d.Next) != 2 || !d.Next[1].After(d.Next[0]) {
		t.Errorf("expected 2 ascending fire times, got %v", d.Next)
	}
}

func TestCronDescribe_Expression(t *testing.T) {
	out, err := execute(t, "cron", "describe", "30 9 * * 1", "--json=false", "--next", "1", "--tz", "UTC")
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	for _, want := range []string{"30 9 * * 1", "09:30", "Monday"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestCronDescribe_Invalid(t *testing.T) {
	tests := []struct {
		name string
		arg  string
	}{
		{"zero minutes", "0"},
		{"bad expression", "not a cron"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, "cron", "describe", tt.arg, "--json=false", "--next", "1", "--tz", "UTC"); err == nil {
				t.Errorf("expected an error for %q", tt.arg)
			}
		})
	}
}
