package utils

import (
	"testing"

	"streamshare/work/config"
)

func TestObfuscateURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"credentials in path", "http://host.example.com/live/user/pass/123.ts", "http://host.example.com/***"},
		{"query stripped", "https://host.example.com/get.php?username=u&password=p", "https://host.example.com/***?***"},
		{"bare host kept", "http://host.example.com", "http://host.example.com"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObfuscateURL(tt.in); got != tt.want {
				t.Errorf("ObfuscateURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogURLHonorsPolicy(t *testing.T) {
	raw := "http://host.example.com/live/user/pass/1.ts"
	if got := LogURL(&config.Config{ObfuscateURLs: false}, raw); got != raw {
		t.Errorf("unobfuscated LogURL = %q", got)
	}
	if got := LogURL(&config.Config{ObfuscateURLs: true}, raw); got == raw {
		t.Error("obfuscated LogURL leaked the raw URL")
	}
}

func TestSanitizeStreamKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain-key", "plain-key"},
		{"live/user:pass/123", "live_user_pass_123"},
		{"a  b", "a_b"},
		{"__wrapped__", "wrapped"},
		{"quo\"te'd", "quo_te_d"},
	}
	for _, tt := range tests {
		if got := SanitizeStreamKey(tt.in); got != tt.want {
			t.Errorf("SanitizeStreamKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{256 * 1024 * 1024, "256.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
