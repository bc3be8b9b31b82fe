package util

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"snipserve/pkg/domain"

	"github.com/pkg/errors"
)

const (
	alnumChars   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	genIDRetries = 5
)

var ErrIDCollision = errors.New("id collision after retries")

// GenID returns a random alphanumeric public id of domain.PublicIDLength characters that
// exists reports as unused.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < genIDRetries; retry++ {
		id, err := randomAlnum(domain.PublicIDLength)
		if err != nil {
			return "", err
		}
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

func randomAlnum(n int) (string, error) {
	max := big.NewInt(int64(len(alnumChars)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		out[i] = alnumChars[v.Int64()]
	}
	return string(out), nil
}

// NewAPIKey returns 32 random bytes as 64 lowercase hex characters.
func NewAPIKey() (string, error) {
	return randomHex(32)
}

// NewToken returns an opaque session token.
func NewToken() (string, error) {
	return randomHex(32)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	s := hex.EncodeToString(buf)
	Wipe(buf)
	return s, nil
}
