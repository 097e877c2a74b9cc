package version_test

import (
	"testing"

	"github.com/hazz-dev/svcwatch/internal/version"
)

func TestString(t *testing.T) {
	version.Version, version.Commit, version.Date = "1.2.0", "abc123", "2026-03-01"
	t.Cleanup(func() {
		version.Version, version.Commit, version.Date = "dev", "none", "unknown"
	})

	want := "1.2.0 (commit abc123, built 2026-03-01)"
	if got := version.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
