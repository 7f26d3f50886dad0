package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndOrder(t *testing.T) {
	a := NewID("conn")
	b := NewID("conn")
	if !strings.HasPrefix(a, "conn_") {
		t.Fatalf("missing prefix: %s", a)
	}
	if len(a) != len("conn_")+26 {
		t.Fatalf("unexpected length %d for %s", len(a), a)
	}
	if a == b {
		t.Fatalf("ids collided: %s", a)
	}
}

func TestNowUTC(t *testing.T) {
	if loc := NowUTC().Location(); loc.String() != "UTC" {
		t.Fatalf("expected UTC, got %s", loc)
	}
}
