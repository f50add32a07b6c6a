package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"
)

// CreateTestLogger logs at debug level to stdout when DNSSD_TEST_LOG is set
// and discards everything otherwise.
func CreateTestLogger() *slog.Logger {
	if os.Getenv("DNSSD_TEST_LOG") == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Logger returns a test logger tagged with the test name.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()
	return CreateTestLogger().With("test", t.Name())
}
