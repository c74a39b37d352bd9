package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Recovery-code batch parameters: exactly 10 codes per (re)generation,
// 10 random bytes each, shown as 16 base32 characters.
const (
	recoveryBatchSize = 10
	recoveryCodeBytes = 10
)

// newRecoveryBatch generates plaintext codes and their storage hashes. The
// plaintext is returned exactly once; only hashes persist.
func newRecoveryBatch() (codes []string, hashes []string, err error) {
	codes = make([]string, 0, recoveryBatchSize)
	hashes = make([]string, 0, recoveryBatchSize)
	for i := 0; i < recoveryBatchSize; i++ {
		raw := make([]byte, recoveryCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		code := b32.EncodeToString(raw)
		codes = append(codes, code[:8]+"-"+code[8:])
		hashes = append(hashes, hashRecoveryCode(code))
	}
	return codes, hashes, nil
}

// normalizeRecoveryCode strips the display hyphen and whitespace and
// uppercases, so users can retype codes however their password manager
// mangled them.
func normalizeRecoveryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return code
}

func hashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeRecoveryCode(code)))
	return hex.EncodeToString(sum[:])
}
