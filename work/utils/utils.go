package utils

import (
	"fmt"
	"net/url"
	"strings"

	"streamshare/work/config"
)

// LogURL returns either the original URL or an obfuscated version depending
// on the configured logging policy. Upstream URLs routinely embed credentials
// in the path, so anything headed for a log line goes through here.
func LogURL(cfg *config.Config, raw string) string {
	if cfg.ObfuscateURLs {
		return ObfuscateURL(raw)
	}
	return raw
}

// ObfuscateURL keeps the scheme and host of a URL and masks everything that
// could carry credentials or identify content.
func ObfuscateURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}

// SanitizeStreamKey normalizes a caller-supplied stream key into a value safe
// for use inside store key names and scratch directory paths.
func SanitizeStreamKey(key string) string {
	sanitized := key
	for _, ch := range []string{" ", ",", "\"", "'", "/", "\\", "?", "&", "=", ":", ";", "|", "*", "<", ">"} {
		sanitized = strings.ReplaceAll(sanitized, ch, "_")
	}
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	return strings.Trim(sanitized, "_")
}

// FormatBytes renders a byte count in a human-readable unit for startup and
// status logging.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
