package env

import (
	"testing"
	"time"
)

func TestDefaultsWhenUnsetOrEmpty(t *testing.T) {
	if got := String("NEUTRA_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("String default: %q", got)
	}
	t.Setenv("NEUTRA_TEST_EMPTY", "")
	if got := String("NEUTRA_TEST_EMPTY", "fallback"); got != "fallback" {
		t.Fatalf("String empty: %q", got)
	}
	d, err := Duration("NEUTRA_TEST_EMPTY", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("Duration empty: %v %v", d, err)
	}
}

func TestParsesSetValues(t *testing.T) {
	t.Setenv("NEUTRA_TEST_INT", "42")
	t.Setenv("NEUTRA_TEST_BOOL", "true")
	t.Setenv("NEUTRA_TEST_DUR", "1m30s")

	if got, err := Int("NEUTRA_TEST_INT", 0); err != nil || got != 42 {
		t.Fatalf("Int: %v %v", got, err)
	}
	if got, err := Bool("NEUTRA_TEST_BOOL", false); err != nil || !got {
		t.Fatalf("Bool: %v %v", got, err)
	}
	if got, err := Duration("NEUTRA_TEST_DUR", 0); err != nil || got != 90*time.Second {
		t.Fatalf("Duration: %v %v", got, err)
	}
}

func TestRejectsUnparseableValues(t *testing.T) {
	t.Setenv("NEUTRA_TEST_BAD", "not-a-number")
	if _, err := Int("NEUTRA_TEST_BAD", 1); err == nil {
		t.Fatalf("expected parse error for int")
	}
	if _, err := Duration("NEUTRA_TEST_BAD", time.Second); err == nil {
		t.Fatalf("expected parse error for duration")
	}
	if _, err := Bool("NEUTRA_TEST_BAD", true); err == nil {
		t.Fatalf("expected parse error for bool")
	}
}
