package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value        string
		defaultValue bool
		want         bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"OFF", true, false},
		{"banana", true, true},
		{"banana", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("CHATLAB_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("CHATLAB_TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("CHATLAB_TEST_INT", "")
	if got := ParseIntEnv("CHATLAB_TEST_INT", 42); got != 42 {
		t.Errorf("unset: got %d, want 42", got)
	}
	t.Setenv("CHATLAB_TEST_INT", " 7 ")
	if got := ParseIntEnv("CHATLAB_TEST_INT", 42); got != 7 {
		t.Errorf("valid: got %d, want 7", got)
	}
	t.Setenv("CHATLAB_TEST_INT", "seven")
	if got := ParseIntEnv("CHATLAB_TEST_INT", 42); got != 42 {
		t.Errorf("invalid: got %d, want 42", got)
	}
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("CHATLAB_TEST_STR", "")
	if got := GetenvDefault("CHATLAB_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("unset: got %q", got)
	}
	t.Setenv("CHATLAB_TEST_STR", "set")
	if got := GetenvDefault("CHATLAB_TEST_STR", "fallback"); got != "set" {
		t.Errorf("set: got %q", got)
	}
}
