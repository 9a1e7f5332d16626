package version

import (
	"strings"
	"testing"
)

func TestPopulated(t *testing.T) {
	if Version == "" {
		t.Error("Version is empty after init")
	}
	if Commit == "" {
		t.Error("Commit is empty after init")
	}
}

func TestFull(t *testing.T) {
	full := Full()
	if !strings.HasPrefix(full, Version) {
		t.Errorf("Full() = %q, want prefix %q", full, Version)
	}
	if !strings.Contains(full, "commit: "+Commit) {
		t.Errorf("Full() = %q, want commit %q", full, Commit)
	}
}

func TestUserAgent(t *testing.T) {
	if got, want := UserAgent("rtc2-peer"), "rtc2-peer/"+Version; got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
}
