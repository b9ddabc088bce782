package login

import (
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	TOTP_ISSUER = "simple-auth"
	PERIOD      = 300
	SKEW        = 1
)

// GenerateCodeSecret creates a fresh TOTP secret for a single pending login.
// The secret is discarded after one passcode is derived from it, so every
// pending login gets an independent code.
func GenerateCodeSecret(subject string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTP_ISSUER,
		AccountName: subject,
	})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}

// GeneratePasscode derives a six digit passcode from the secret at the given
// time.
func GeneratePasscode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at.UTC(), totp.ValidateOpts{
		Period:    PERIOD,
		Skew:      SKEW,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// HashPasscode returns the digest under which a passcode is stored. Only the
// digest is persisted so a leaked pending record does not reveal the code.
func HashPasscode(code string) []byte {
	sum := sha256.Sum256([]byte(code))
	return sum[:]
}

// VerifyPasscode compares a submitted code against a stored digest in
// constant time.
func VerifyPasscode(code string, hash []byte) bool {
	digest := HashPasscode(code)
	return subtle.ConstantTimeCompare(digest, hash) == 1
}
