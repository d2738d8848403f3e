package logging

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestOperationErrorFormatsRequestID(t *testing.T) {
	err := NewOperationError("store.find_identity", "req-1", context.DeadlineExceeded)
	want := "store.find_identity (request_id=req-1): context deadline exceeded"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected wrapped error to match context.DeadlineExceeded")
	}
}

func TestNewOperationErrorNil(t *testing.T) {
	if err := NewOperationError("noop", "", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("shouting"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}
}

func TestOperationOfReturnsOutermost(t *testing.T) {
	inner := NewOperationError("grpcclient.extract", "", errors.New("boom"))
	outer := NewOperationError("usecase.extract", "req-9", inner)
	if got := OperationOf(outer); got != "usecase.extract" {
		t.Fatalf("expected outer operation, got %q", got)
	}
	if got := OperationOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty operation, got %q", got)
	}
}
