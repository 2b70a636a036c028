package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// verifySessionToken checks an HS256 token minted by the UI login flow.
// The token must carry a gantt audience, the chart issuer, and a viewer
// or admin role.
func verifySessionToken(token, secret string) bool {
	if token == "" || secret == "" {
		return false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return false
	}
	if header.Alg != "HS256" {
		return false
	}

	signingInput := []byte(parts[0] + "." + parts[1])
	expected := hmac.New(sha256.New, []byte(secret))
	expected.Write(signingInput)
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	if !hmac.Equal(signature, expected.Sum(nil)) {
		return false
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		return false
	}
	if expRaw, ok := payload["exp"]; ok {
		if exp, ok := expRaw.(float64); ok && int64(exp) < time.Now().Unix() {
			return false
		}
	}
	if !audAllows(payload["aud"]) {
		return false
	}
	if iss, ok := payload["iss"].(string); ok && iss != "airflow-gantt" {
		return false
	}
	role, ok := payload["role"].(string)
	if !ok || (role != "viewer" && role != "admin") {
		return false
	}
	return true
}

func audAllows(val interface{}) bool {
	switch v := val.(type) {
	case string:
		return v == "gantt-ui" || v == "gantt-api"
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s == "gantt-ui" || s == "gantt-api" {
					return true
				}
			}
		}
	}
	return false
}
