package device

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// CookieName carries the signed device token on the client.
const CookieName = "td"

// signCookie computes HMAC(secret, deviceId|userId|expiresAtUnix). Binding
// the row's expiry into the signature means a stale cookie cannot outlive a
// rotated or revoked row: any expiry change invalidates the old signature.
func signCookie(secret []byte, deviceID, userID string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%d", deviceID, userID, expiresAt.Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// EncodeCookie renders the deviceId.hmac cookie value.
func EncodeCookie(secret []byte, deviceID, userID string, expiresAt time.Time) string {
	return deviceID + "." + signCookie(secret, deviceID, userID, expiresAt)
}

// parseCookie splits a deviceId.hmac value. Malformed input fails closed.
func parseCookie(value string) (deviceID, mac string, ok bool) {
	value = strings.TrimSpace(value)
	i := strings.IndexByte(value, '.')
	if i <= 0 || i == len(value)-1 {
		return "", "", false
	}
	deviceID, mac = value[:i], value[i+1:]
	if strings.ContainsAny(deviceID, ".|") {
		return "", "", false
	}
	return deviceID, mac, true
}

// NewCookie builds the Set-Cookie header value for a freshly trusted device.
func NewCookie(value string, expiresAt time.Time, now time.Time) *http.Cookie {
	maxAge := int(expiresAt.Sub(now) / time.Second)
	if maxAge < 0 {
		maxAge = 0
	}
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie instructs the client to drop the device token.
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// HashUserAgent fingerprints the presented user agent for drift detection.
func HashUserAgent(userAgent string) []byte {
	sum := sha256.Sum256([]byte(userAgent))
	return sum[:]
}

// IPPrefix reduces an address to its network prefix: /24 for IPv4, /56 for
// IPv6. Full addresses are never persisted.
func IPPrefix(ipAddress string) string {
	ip := net.ParseIP(strings.TrimSpace(ipAddress))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(56, 128)).String() + "/56"
}
