package otpcode

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"strings"
)

// BackupCodeAlphabet omits characters that are easy to misread.
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultMinBackupCodeLength is the shortest canonical backup code accepted
// before any network call.
const DefaultMinBackupCodeLength = 8

// NewBackupCode returns length random characters from the alphabet.
func NewBackupCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(BackupCodeAlphabet))))
		if err != nil {
			return "", err
		}
		b.WriteByte(BackupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// FormatBackupCode splits a code of 8 or more characters with a dash.
func FormatBackupCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeBackupCode upper-cases code and strips dashes and spaces.
func CanonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// ValidBackupShape reports whether canonical has at least minLen characters,
// all ASCII letters or digits.
func ValidBackupShape(canonical string, minLen int) bool {
	if minLen <= 0 {
		minLen = DefaultMinBackupCodeLength
	}
	if len(canonical) < minLen {
		return false
	}
	for i := 0; i < len(canonical); i++ {
		c := canonical[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// BackupCodeHash binds a canonical code to its owner.
func BackupCodeHash(userID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(userID)+1+len(canonicalCode))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}
