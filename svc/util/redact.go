package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var (
	tokenPattern  = regexp.MustCompile(`[A-Fa-f0-9]{40,}`)
	secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key|pepper|invite)=([^\s&]+)`)
)

func RedactPasteContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	if len(content) <= 20 {
		return "[REDACTED]"
	}
	return content[:10] + "...[REDACTED]..." + content[len(content)-10:]
}

// RedactToken keeps a short prefix so keys and session tokens can be
// correlated in logs without being usable.
func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "[TOKEN-REDACTED]"
	}
	return token[:4] + "...[REDACTED]"
}

// RedactIP truncates an address to its /24 (IPv4) or /32 (IPv6) prefix for logs.
// Stored view records keep the raw address.
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

func RedactLogLine(line string) string {
	line = tokenPattern.ReplaceAllString(line, "[TOKEN-REDACTED]")
	line = secretPattern.ReplaceAllString(line, "$1=[REDACTED]")
	return line
}
