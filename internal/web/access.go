package web

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// CIDRAllowlist restricts which client addresses may reach the server.
// A nil allowlist allows everything.
type CIDRAllowlist struct {
	prefixes []netip.Prefix
}

// ParseCIDRAllowlist parses a comma-separated list of CIDRs or plain
// addresses. The aliases "localhost" and "private" expand to loopback
// and RFC 1918 / ULA ranges.
func ParseCIDRAllowlist(raw string) (*CIDRAllowlist, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var prefixes []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		entry := strings.TrimSpace(part)
		switch {
		case entry == "":
		case strings.EqualFold(entry, "localhost"):
			prefixes = append(prefixes,
				netip.MustParsePrefix("127.0.0.1/32"),
				netip.MustParsePrefix("::1/128"))
		case strings.EqualFold(entry, "private"):
			prefixes = append(prefixes,
				netip.MustParsePrefix("10.0.0.0/8"),
				netip.MustParsePrefix("172.16.0.0/12"),
				netip.MustParsePrefix("192.168.0.0/16"),
				netip.MustParsePrefix("fc00::/7"))
		case strings.Contains(entry, "/"):
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist prefix %q", entry)
			}
			prefixes = append(prefixes, prefix)
		default:
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist address %q", entry)
			}
			bits := 128
			if addr.Is4() {
				bits = 32
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, bits))
		}
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &CIDRAllowlist{prefixes: prefixes}, nil
}

func (a *CIDRAllowlist) Allows(host string) bool {
	if a == nil {
		return true
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	// Strip IPv6 zone suffixes.
	if trimmed, _, ok := strings.Cut(host, "%"); ok {
		host = trimmed
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

const (
	DefaultAuthLimit      = 10
	DefaultAuthWindow     = time.Minute
	DefaultAuthMaxEntries = 4096
)

// authLimiter rate limits failed auth attempts per client host with a
// fixed window and bounded entry count.
type authLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	maxEntries  int
	entries     map[string]*authEntry
	lastCleanup time.Time
}

type authEntry struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

func newAuthLimiter(limit int, window time.Duration, maxEntries int) *authLimiter {
	if limit <= 0 {
		limit = DefaultAuthLimit
	}
	if window <= 0 {
		window = DefaultAuthWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultAuthMaxEntries
	}
	return &authLimiter{
		limit:      limit,
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]*authEntry),
	}
}

func (l *authLimiter) allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shouldCleanup(now) {
		l.cleanup(now)
	}

	entry := l.entries[key]
	if entry == nil {
		entry = &authEntry{windowStart: now, lastSeen: now}
		l.entries[key] = entry
	}
	if now.Sub(entry.windowStart) >= l.window {
		entry.count = 0
		entry.windowStart = now
	}
	entry.lastSeen = now
	if entry.count >= l.limit {
		return false
	}
	entry.count++
	return true
}

func (l *authLimiter) shouldCleanup(now time.Time) bool {
	if len(l.entries) > l.maxEntries {
		return true
	}
	if l.lastCleanup.IsZero() {
		return true
	}
	return now.Sub(l.lastCleanup) >= l.window
}

func (l *authLimiter) cleanup(now time.Time) {
	staleCutoff := now.Add(-2 * l.window)
	for key, entry := range l.entries {
		if entry.lastSeen.Before(staleCutoff) {
			delete(l.entries, key)
		}
	}
	if len(l.entries) > l.maxEntries {
		excess := len(l.entries) - l.maxEntries
		for key := range l.entries {
			delete(l.entries, key)
			excess--
			if excess <= 0 {
				break
			}
		}
	}
	l.lastCleanup = now
}
