// Package fingerprint derives a stable device grouping key from
// client-submitted browser metadata.
//
// The fingerprint is advisory: it groups sessions for display and for the
// device cap but is not an identity credential. A client can fabricate a
// fresh fingerprint per login, so the cap is a hygiene limit, not a hard
// security boundary.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"sort"
	"strings"

	"gorm.io/datatypes"
)

// knownKeys are the metadata fields folded into the fingerprint hash. Keys
// outside this set are retained in the raw bag for audit only.
var knownKeys = []string{
	"audio_hash",
	"canvas_hash",
	"fonts",
	"languages",
	"platform",
	"plugins",
	"screen",
	"timezone",
	"user_agent",
	"webgl_hash",
}

// Resolved is the outcome of fingerprint resolution.
type Resolved struct {
	Key      string         // Stable fingerprint key (hex).
	Summary  string         // Human-readable device summary.
	Fallback bool           // Whether the low-precision fallback was used.
	Raw      datatypes.JSON // Opaque pass-through of the submitted metadata.
}

// Resolve computes the fingerprint for a client metadata bag. The bag is
// untrusted and schema-less; missing or malformed fields degrade precision
// but never fail. With no usable metadata the key falls back to the user
// agent header plus a coarse IP prefix so cap logic keeps a grouping key.
func Resolve(meta map[string]any, userAgent, remoteIP string) Resolved {
	known := make(map[string]string, len(knownKeys))
	for _, key := range knownKeys {
		value, ok := meta[key]
		if !ok || value == nil {
			continue
		}
		rendered := renderValue(value)
		if rendered == "" {
			continue
		}
		known[key] = rendered
	}

	raw := datatypes.JSON(nil)
	if len(meta) > 0 {
		if data, errMarshal := json.Marshal(meta); errMarshal == nil {
			raw = datatypes.JSON(data)
		}
	}

	if len(known) == 0 {
		return Resolved{
			Key:      fallbackKey(userAgent, remoteIP),
			Summary:  Summarize(userAgent),
			Fallback: true,
			Raw:      raw,
		}
	}

	if _, ok := known["user_agent"]; !ok && strings.TrimSpace(userAgent) != "" {
		known["user_agent"] = strings.TrimSpace(userAgent)
	}

	keys := make([]string, 0, len(known))
	for key := range known {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, key := range keys {
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write([]byte(known[key]))
		h.Write([]byte{0})
	}

	summary := Summarize(known["user_agent"])
	if screen := known["screen"]; screen != "" {
		summary += " · " + screen
	}

	return Resolved{
		Key:     hex.EncodeToString(h.Sum(nil)),
		Summary: summary,
		Raw:     raw,
	}
}

// renderValue canonicalizes a metadata value into a stable string. Lists are
// sorted so plugin/font ordering differences do not fork the fingerprint.
func renderValue(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		data, _ := json.Marshal(typed)
		return string(data)
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			if rendered := renderValue(item); rendered != "" {
				parts = append(parts, rendered)
			}
		}
		sort.Strings(parts)
		return strings.Join(parts, ",")
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, key+"="+renderValue(typed[key]))
		}
		return strings.Join(parts, ";")
	default:
		return ""
	}
}

// fallbackKey hashes the user agent header plus a coarse IP prefix
// (IPv4 /24, IPv6 /64), accepting reduced precision for scripted clients.
func fallbackKey(userAgent, remoteIP string) string {
	h := sha256.New()
	h.Write([]byte("fallback"))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(userAgent)))
	h.Write([]byte{0})
	h.Write([]byte(coarseIPPrefix(remoteIP)))
	return hex.EncodeToString(h.Sum(nil))
}

// coarseIPPrefix masks an IP to /24 (IPv4) or /64 (IPv6).
func coarseIPPrefix(remoteIP string) string {
	ip := net.ParseIP(strings.TrimSpace(remoteIP))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String() + "/24"
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return masked.String() + "/64"
}

// Summarize derives a short device description from a user agent string.
func Summarize(userAgent string) string {
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		return "Unknown device"
	}

	browser := "Unknown browser"
	switch {
	case strings.Contains(ua, "Edg/"):
		browser = "Edge"
	case strings.Contains(ua, "OPR/") || strings.Contains(ua, "Opera"):
		browser = "Opera"
	case strings.Contains(ua, "Chrome/"):
		browser = "Chrome"
	case strings.Contains(ua, "Firefox/"):
		browser = "Firefox"
	case strings.Contains(ua, "Safari/"):
		browser = "Safari"
	case strings.Contains(ua, "curl/"):
		browser = "curl"
	}

	os := "Unknown OS"
	switch {
	case strings.Contains(ua, "Windows"):
		os = "Windows"
	case strings.Contains(ua, "Android"):
		os = "Android"
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		os = "iOS"
	case strings.Contains(ua, "Mac OS X") || strings.Contains(ua, "Macintosh"):
		os = "macOS"
	case strings.Contains(ua, "Linux"):
		os = "Linux"
	}

	return browser + " on " + os
}
