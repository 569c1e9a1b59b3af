package service

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

const (
	accountNumberMin  = 10_000_000
	accountNumberSpan = 90_000_000
)

// GenerateAccountNumber returns a random 8-digit account number.
func GenerateAccountNumber() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(accountNumberSpan))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(accountNumberMin+n.Int64(), 10), nil
}
