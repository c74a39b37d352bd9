package vault

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Encrypted values travel and persist as enc:v1:<iv>:<ciphertext>:<tag>,
// all three parts standard base64. The version segment leaves room for an
// algorithm migration without re-encrypting the world up front.
const (
	tokenPrefix  = "enc:"
	tokenVersion = "v1"
)

func encodeToken(iv, ciphertext, tag []byte) string {
	return tokenPrefix + tokenVersion + ":" +
		base64.StdEncoding.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext) + ":" +
		base64.StdEncoding.EncodeToString(tag)
}

func decodeToken(token string) (iv, ciphertext, tag []byte, err error) {
	parts := strings.Split(token, ":")
	if len(parts) != 5 || parts[0] != "enc" {
		return nil, nil, nil, fmt.Errorf("%w: malformed token", ErrDecrypt)
	}
	if parts[1] != tokenVersion {
		return nil, nil, nil, fmt.Errorf("%w: unsupported token version %q", ErrDecrypt, parts[1])
	}
	if iv, err = base64.StdEncoding.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: malformed token", ErrDecrypt)
	}
	if ciphertext, err = base64.StdEncoding.DecodeString(parts[3]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: malformed token", ErrDecrypt)
	}
	if tag, err = base64.StdEncoding.DecodeString(parts[4]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: malformed token", ErrDecrypt)
	}
	if len(iv) != ivLen || len(tag) != gcmTagLen {
		return nil, nil, nil, fmt.Errorf("%w: malformed token", ErrDecrypt)
	}
	return iv, ciphertext, tag, nil
}
