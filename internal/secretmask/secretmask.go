// ABOUTME: Masks secret-bearing values in status/introspection output (spec §6)
// ABOUTME: first4...last4 for values >= 8 chars, "***" for shorter ones

package secretmask

import "strings"

// secretKeyNames are matched case-insensitively, exactly or by suffix for
// "*_key".
var secretKeyNames = map[string]bool{
	"token":         true,
	"password":      true,
	"client_secret": true,
}

// IsSecretKey reports whether a field named key should have its value
// masked before being returned from any status or introspection endpoint.
// extraSecretNames is the additionally configured set of "secret names" that, when
// they appear as an environment variable name, are masked too.
func IsSecretKey(key string, extraSecretNames map[string]bool) bool {
	lower := strings.ToLower(key)
	if secretKeyNames[lower] {
		return true
	}
	if strings.HasSuffix(lower, "_key") {
		return true
	}
	if extraSecretNames != nil && extraSecretNames[key] {
		return true
	}
	return false
}

// Mask renders value as its first 4 and last 4 characters separated by an
// ellipsis; values shorter than 8 characters are rendered as "***" since
// splitting them would leak most or all of the original.
func Mask(value string) string {
	if len(value) < 8 {
		return "***"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

// MaskIfSecret masks value only if key names a secret field.
func MaskIfSecret(key, value string, extraSecretNames map[string]bool) string {
	if !IsSecretKey(key, extraSecretNames) {
		return value
	}
	return Mask(value)
}

// MaskEnv returns a copy of env with every value masked whose name appears
// in extraSecretNames or is itself a secret key name per IsSecretKey (for
// example API_KEY). Used for the env mapping a local backend was
// configured with, where the secret is indicated by the env var's own
// name rather than by a JSON key.
func MaskEnv(env map[string]string, extraSecretNames map[string]bool) map[string]string {
	masked := make(map[string]string, len(env))
	for k, v := range env {
		if extraSecretNames[k] || IsSecretKey(k, nil) {
			masked[k] = Mask(v)
		} else {
			masked[k] = v
		}
	}
	return masked
}
