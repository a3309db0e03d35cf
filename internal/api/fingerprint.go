package api

import (
	"net"
	"net/http"

	"github.com/proofwork/proofwork/internal/domain"
)

// Fingerprint hashes the client IP and user agent with salt. Raw values
// never leave this function; an absent value yields an empty hash.
func Fingerprint(salt, ip, userAgent string) domain.Fingerprint {
	return domain.Fingerprint{
		IPHash:     saltedHash(salt, "ip", ip),
		DeviceHash: saltedHash(salt, "device", userAgent),
	}
}

func saltedHash(salt, kind, value string) string {
	if value == "" {
		return ""
	}
	return domain.SHA256Hex([]byte(salt + "\x00" + kind + "\x00" + value))
}

// clientIP strips the port RemoteAddr carries unless RealIP replaced it.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
