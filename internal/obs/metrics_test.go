package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/metrics":                       "/metrics",
		"/v1/mfa/factors/01HZX3":         "/v1/mfa/factors/:id",
		"/v1/trusted-device/abc123":      "/v1/trusted-device/:id",
		"/v1/mfa/verify":                 "/v1/mfa/verify",
		"/v1/mfa/verify?remember=1":      "/v1/mfa/verify",
		"/v1/trusted-device":             "/v1/trusted-device",
		"/v1/mfa/factors/abc/extra/deep": "/v1/mfa/factors/abc/extra/deep",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
