package session

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec
	"crypto/sha256"
	"hash"

	"github.com/juju/errors"
)

const (
	ProcessHmacMD5    = "HmacMD5"
	ProcessHmacSHA256 = "HmacSHA256"
)

// Encrypt returns HMAC of challenge text keyed by password using named process.
func Encrypt(process, password, challenge string) ([]byte, error) {
	var h func() hash.Hash
	switch process {
	case ProcessHmacMD5:
		h = md5.New
	case ProcessHmacSHA256:
		h = sha256.New
	default:
		return nil, errors.NotSupportedf("encryption process=%s", process)
	}
	if password == "" {
		return nil, errors.NotValidf("empty password")
	}
	mac := hmac.New(h, []byte(password))
	if _, err := mac.Write([]byte(challenge)); err != nil {
		return nil, errors.Trace(err)
	}
	return mac.Sum(nil), nil
}

// VerifyEncrypted compares in constant time.
func VerifyEncrypted(process, password, challenge string, encrypted []byte) bool {
	expect, err := Encrypt(process, password, challenge)
	if err != nil {
		return false
	}
	return hmac.Equal(expect, encrypted)
}
