package systemdmanager

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	props := map[string]interface{}{
		"NextElapseUSecRealtime": uint64(want.UnixMicro()),
		"LastTriggerUSec":        uint64(0),
		"Infinity":               ^uint64(0),
		"Wrong":                  "text",
	}
	if got := parseTimestamp(props, "NextElapseUSecRealtime"); !got.Equal(want) {
		t.Fatalf("parseTimestamp = %v, want %v", got, want)
	}
	for _, k := range []string{"LastTriggerUSec", "Infinity", "Wrong", "Missing"} {
		if got := parseTimestamp(props, k); !got.IsZero() {
			t.Fatalf("parseTimestamp(%s) = %v, want zero", k, got)
		}
	}
}

func TestErrorClassifiers(t *testing.T) {
	if !isNoSuchUnitErr(errors.New("Unit pharma.timer not loaded: org.freedesktop.systemd1.NoSuchUnit")) {
		t.Fatal("expected NoSuchUnit match")
	}
	if isNoSuchUnitErr(nil) {
		t.Fatal("nil is not NoSuchUnit")
	}
	if !IsAccessDenied(errors.New("Interactive authentication required.")) {
		t.Fatal("expected polkit failure to be access denied")
	}
	if !IsAccessDenied(errors.New("org.freedesktop.DBus.Error.AccessDenied: Permission denied")) {
		t.Fatal("expected AccessDenied match")
	}
	if IsAccessDenied(errors.New("timeout")) {
		t.Fatal("timeout is not access denied")
	}
}

func TestLoaded(t *testing.T) {
	if notFound("x.timer").Loaded() {
		t.Fatal("not-found unit reported loaded")
	}
	if !(&UnitStatus{LoadState: "loaded"}).Loaded() {
		t.Fatal("loaded unit reported not loaded")
	}
	var nilStatus *UnitStatus
	if nilStatus.Loaded() {
		t.Fatal("nil status reported loaded")
	}
}
