package logging

import (
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

// Keys masked wholesale: connection strings, session material, run conf
// blobs and raw request parts. The fragment list catches the
// token/secret family under any prefix or suffix.
var exactSensitive = map[string]bool{
	"authorization": true,
	"body":          true,
	"conf":          true,
	"cookie":        true,
	"dsn":           true,
	"headers":       true,
	"session":       true,
}

var fragmentSensitive = []string{"secret", "token", "password", "api_key", "apikey"}

// redactAttr is the ReplaceAttr hook on the JSON handler. slog invokes
// it for every leaf attribute, including attrs nested in groups and
// attrs attached with Logger.With, so a sensitive key is masked at any
// depth.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if shouldRedactKey(a.Key) {
		a.Value = slog.StringValue(redactedValue)
	}
	return a
}

func shouldRedactKey(key string) bool {
	k := strings.ToLower(key)
	if exactSensitive[k] {
		return true
	}
	for _, frag := range fragmentSensitive {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}
