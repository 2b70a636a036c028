package web

import (
	"testing"
	"time"
)

func TestParseCIDRAllowlist(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist("192.0.2.0/24, 2001:db8::/32, 127.0.0.1, localhost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowlist == nil {
		t.Fatal("expected allowlist to be parsed")
	}
	if !allowlist.Allows("192.0.2.10") {
		t.Fatal("expected allowlist to allow IPv4 CIDR")
	}
	if !allowlist.Allows("2001:db8::1") {
		t.Fatal("expected allowlist to allow IPv6 CIDR")
	}
	if !allowlist.Allows("127.0.0.1") || !allowlist.Allows("::1") {
		t.Fatal("expected allowlist to include localhost")
	}
	if allowlist.Allows("198.51.100.1") {
		t.Fatal("expected allowlist to deny non-listed IP")
	}
}

func TestParseCIDRAllowlistPrivateAlias(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist("private")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, host := range []string{"10.1.2.3", "172.16.0.9", "192.168.1.1", "fc00::1"} {
		if !allowlist.Allows(host) {
			t.Errorf("expected private alias to allow %s", host)
		}
	}
	if allowlist.Allows("8.8.8.8") {
		t.Error("expected private alias to deny public IP")
	}
}

func TestParseCIDRAllowlistInvalid(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist("not-a-cidr")
	if err == nil {
		t.Fatal("expected error for invalid allowlist")
	}
	if allowlist != nil {
		t.Fatal("expected nil allowlist on error")
	}
}

func TestParseCIDRAllowlistEmpty(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist(" , ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowlist != nil {
		t.Fatal("expected nil allowlist for empty input")
	}
}

func TestAuthLimiterWindow(t *testing.T) {
	limiter := newAuthLimiter(2, time.Minute, 10)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if !limiter.allow("host", now) || !limiter.allow("host", now) {
		t.Fatal("expected first attempts within limit")
	}
	if limiter.allow("host", now) {
		t.Fatal("expected third attempt to be limited")
	}
	// A fresh window resets the count.
	if !limiter.allow("host", now.Add(time.Minute)) {
		t.Fatal("expected new window to allow again")
	}
	// Unrelated hosts are counted separately.
	if !limiter.allow("other", now) {
		t.Fatal("expected separate count per host")
	}
}
