package target

import "strings"

// redactedValue replaces credentials in anything that leaves this
// package for logs, events or stored artifacts.
const redactedValue = "***REDACTED***"

// sensitiveHeaders are matched case-insensitively, by equality or as
// a substring (catches X-Api-Key, X-Auth-Token and friends).
var sensitiveHeaders = []string{
	"authorization", "cookie", "set-cookie", "api-key", "apikey",
	"token", "secret", "password", "session",
}

// RedactSpec returns a copy of the spec safe to log or persist.
// Credential values are masked; structure is preserved so a reader
// can still see which auth scheme was in play.
func RedactSpec(spec Spec) Spec {
	out := spec
	if out.Auth.Token != "" {
		out.Auth.Token = redactedValue
	}
	if out.Auth.Password != "" {
		out.Auth.Password = redactedValue
	}
	out.Headers = RedactHeaders(spec.Headers)
	return out
}

// RedactHeaders returns a copy of the header map with sensitive
// values masked.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if isSensitiveHeader(name) {
			out[name] = redactedValue
		} else {
			out[name] = value
		}
	}
	return out
}

func isSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range sensitiveHeaders {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// RedactText masks occurrences of the spec's credentials inside free
// text (target responses, error messages) before they are logged.
// Defensive: returns the input unchanged when there is nothing to mask.
func RedactText(text string, spec Spec) string {
	if !spec.RedactSecrets {
		return text
	}
	for _, secret := range []string{spec.Auth.Token, spec.Auth.Password} {
		if len(secret) >= 6 {
			text = strings.ReplaceAll(text, secret, redactedValue)
		}
	}
	return text
}
