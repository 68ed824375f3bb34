package auth

import (
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		expected string
		want     bool
	}{
		{
			name:     "correct key matches",
			provided: "correct",
			expected: "correct",
			want:     true,
		},
		{
			name:     "wrong key does not match",
			provided: "wrong",
			expected: "correct",
			want:     false,
		},
		{
			name:     "empty provided does not match",
			provided: "",
			expected: "correct",
			want:     false,
		},
		{
			name:     "empty expected always returns false",
			provided: "anything",
			expected: "",
			want:     false,
		},
		{
			name:     "both empty returns false",
			provided: "",
			expected: "",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateKey(tt.provided, tt.expected)
			if got != tt.want {
				t.Errorf("ValidateKey(%q, %q) = %v, want %v", tt.provided, tt.expected, got, tt.want)
			}
		})
	}
}

func TestKeyFromEnv(t *testing.T) {
	t.Run("default variable", func(t *testing.T) {
		t.Setenv(DefaultEnvVar, "server-secret")
		if got := KeyFromEnv(""); got != "server-secret" {
			t.Errorf("KeyFromEnv(\"\") = %q, want %q", got, "server-secret")
		}
	})

	t.Run("custom variable", func(t *testing.T) {
		t.Setenv("MY_CONTROL_KEY", "custom-secret")
		if got := KeyFromEnv("MY_CONTROL_KEY"); got != "custom-secret" {
			t.Errorf("KeyFromEnv(MY_CONTROL_KEY) = %q, want %q", got, "custom-secret")
		}
	})

	t.Run("unset returns empty", func(t *testing.T) {
		t.Setenv(DefaultEnvVar, "")
		if got := KeyFromEnv(""); got != "" {
			t.Errorf("KeyFromEnv(\"\") = %q, want empty", got)
		}
	})
}
