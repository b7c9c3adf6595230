// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Development: true})
	if err != nil {
		t.Fatalf("New(dev) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected debug to be enabled in development")
	}
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{})
	if err != nil {
		t.Fatalf("New(prod) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected debug to be disabled in production")
	}
	logger.Info("production logger ready")
}

// TestNewLevelOverride checks explicit levels win over the flavour default.
func TestNewLevelOverride(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Development: true, Level: "warn"})
	if err != nil {
		t.Fatalf("New(warn) error = %v", err)
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Fatal("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zap.WarnLevel) {
		t.Fatal("expected warn to be enabled")
	}

	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
