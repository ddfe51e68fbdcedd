package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

// === Classification Tests ===

func TestInvalidf(t *testing.T) {
	err := Invalidf("lease seconds %d out of range", 9999)
	if !IsInvalid(err) {
		t.Error("Expected IsInvalid to be true")
	}
	if IsPoison(err) || IsCritical(err) {
		t.Error("Expected invalid-argument to not classify as poison or critical")
	}
}

func TestPoisonSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("handling topic %q: %w", "t", Poisonf("bad payload"))
	if !IsPoison(err) {
		t.Error("Expected wrapped poison error to classify as poison")
	}
}

func TestCriticalSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("worker: %w", Criticalf("disk gone"))
	if !IsCritical(err) {
		t.Error("Expected wrapped critical error to classify as critical")
	}
}

// === Catch Tests ===

func TestCatchPassesThroughResult(t *testing.T) {
	want := errors.New("plain failure")
	got := Catch(func() error { return want })
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if err := Catch(func() error { return nil }); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestCatchConvertsPanic(t *testing.T) {
	err := Catch(func() error { panic("boom") })
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected PanicError, got %v", err)
	}
	if pe.Value != "boom" {
		t.Errorf("Expected panic value boom, got %v", pe.Value)
	}
	if len(pe.Stack) == 0 {
		t.Error("Expected captured stack")
	}
}

func TestCatchConvertsRuntimePanic(t *testing.T) {
	err := Catch(func() error {
		var m map[string]int
		m["k"] = 1 // nil map write
		return nil
	})
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected PanicError from runtime panic, got %v", err)
	}
}

// === Transient Tests ===

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"connection class", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("nope"), false},
		{"wrapped deadlock", fmt.Errorf("claim: %w", &pgconn.PgError{Code: "40P01"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestIsUndefinedTable(t *testing.T) {
	if !IsUndefinedTable(&pgconn.PgError{Code: "42P01"}) {
		t.Error("Expected undefined_table to be detected")
	}
	if IsUndefinedTable(&pgconn.PgError{Code: "23505"}) {
		t.Error("Expected unique violation to not be undefined_table")
	}
}
