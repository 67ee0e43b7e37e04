package secretmask

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask_NeverContainsOriginalSubstringWhenLongEnough(t *testing.T) {
	values := []string{
		"sk-ant-REDACTED",
		"0123456789",
		"abcdefgh",
	}
	for _, v := range values {
		masked := Mask(v)
		if len(v) >= 8 {
			assert.False(t, strings.Contains(masked, v), "masked %q still contains original %q", masked, v)
		}
	}
}

func TestMask_ShortValues(t *testing.T) {
	assert.Equal(t, "***", Mask(""))
	assert.Equal(t, "***", Mask("short"))
	assert.Equal(t, "***", Mask("1234567")) // 7 chars
}

func TestMask_LongValuesKeepFirstAndLastFour(t *testing.T) {
	assert.Equal(t, "abcd...7890", Mask("abcd1234567890"))
}

func TestIsSecretKey(t *testing.T) {
	cases := map[string]bool{
		"token":         true,
		"TOKEN":         true,
		"password":      true,
		"client_secret": true,
		"api_key":       true,
		"API_KEY":       true,
		"username":      false,
		"url":           false,
	}
	for key, want := range cases {
		assert.Equal(t, want, IsSecretKey(key, nil), "key %q", key)
	}
}

func TestIsSecretKey_ExtraSecretNames(t *testing.T) {
	extra := map[string]bool{"GITHUB_PAT": true}
	assert.True(t, IsSecretKey("GITHUB_PAT", extra))
	assert.False(t, IsSecretKey("GITHUB_PAT", nil))
}

func TestMaskIfSecret(t *testing.T) {
	assert.Equal(t, "abcd...7890", MaskIfSecret("token", "abcd1234567890", nil))
	assert.Equal(t, "plain-value", MaskIfSecret("username", "plain-value", nil))
}

func TestMaskEnv(t *testing.T) {
	env := map[string]string{
		"API_KEY":  "abcd1234567890",
		"GREETING": "hello",
	}
	masked := MaskEnv(env, nil)
	assert.Equal(t, "abcd...7890", masked["API_KEY"])
	assert.Equal(t, "hello", masked["GREETING"])
}
