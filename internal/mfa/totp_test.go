package mfa

import (
	"strings"
	"testing"
	"time"
)

// RFC 4226 appendix D test vectors (secret "12345678901234567890").
var rfc4226Secret = []byte("12345678901234567890")

var rfc4226Codes = []string{
	"755224", "287082", "359152", "969429", "338314",
	"254676", "287922", "162583", "399871", "520489",
}

func TestHOTPCodeVectors(t *testing.T) {
	for counter, expected := range rfc4226Codes {
		if got := hotpCode(rfc4226Secret, int64(counter)); got != expected {
			t.Fatalf("hotpCode(counter=%d)=%s, want %s", counter, got, expected)
		}
	}
}

func TestVerifyTOTPWithinSkew(t *testing.T) {
	secretBase32 := b32.EncodeToString(rfc4226Secret)
	now := time.Unix(30*100, 0) // counter 100

	for _, counter := range []int64{99, 100, 101} {
		code := hotpCode(rfc4226Secret, counter)
		ok, matched, err := verifyTOTP(secretBase32, code, now)
		if err != nil {
			t.Fatalf("verifyTOTP: %v", err)
		}
		if !ok || matched != counter {
			t.Fatalf("counter %d: ok=%v matched=%d", counter, ok, matched)
		}
	}

	// Outside the ±1 window.
	for _, counter := range []int64{98, 102} {
		code := hotpCode(rfc4226Secret, counter)
		if ok, _, _ := verifyTOTP(secretBase32, code, now); ok {
			t.Fatalf("counter %d must be outside the skew window", counter)
		}
	}
}

func TestVerifyTOTPInputValidation(t *testing.T) {
	secretBase32 := b32.EncodeToString(rfc4226Secret)
	now := time.Unix(30*100, 0)

	for _, code := range []string{"", "12345", "1234567", "12a456", "abcdef"} {
		if ok, _, err := verifyTOTP(secretBase32, code, now); ok || err != nil {
			t.Fatalf("code %q: expected clean rejection, ok=%v err=%v", code, ok, err)
		}
	}

	// Whitespace around an otherwise valid code is tolerated.
	code := hotpCode(rfc4226Secret, 100)
	if ok, _, _ := verifyTOTP(secretBase32, " "+code+" ", now); !ok {
		t.Fatal("surrounding whitespace should be trimmed")
	}

	if _, _, err := verifyTOTP("not!base32", "123456", now); err == nil {
		t.Fatal("malformed secret must error")
	}
}

func TestProvisionURI(t *testing.T) {
	uri := provisionURI("SECRETBASE32", "user@example.com")
	if !strings.HasPrefix(uri, "otpauth://totp/Tempora:user%40example.com?") {
		t.Fatalf("unexpected label: %s", uri)
	}
	for _, fragment := range []string{"secret=SECRETBASE32", "issuer=Tempora", "digits=6", "period=30", "algorithm=SHA1"} {
		if !strings.Contains(uri, fragment) {
			t.Fatalf("uri missing %s: %s", fragment, uri)
		}
	}
}

func TestGenerateTOTPSecret(t *testing.T) {
	raw, encoded, err := generateTOTPSecret()
	if err != nil {
		t.Fatalf("generateTOTPSecret: %v", err)
	}
	if len(raw) != totpSecretBytes {
		t.Fatalf("expected %d secret bytes, got %d", totpSecretBytes, len(raw))
	}
	decoded, err := b32.DecodeString(encoded)
	if err != nil || len(decoded) != totpSecretBytes {
		t.Fatalf("base32 form must round trip: %v", err)
	}
}
