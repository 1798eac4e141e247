package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	executionIDPrefix = "exec_"
	uploadIDPrefix    = "upl_"
)

var (
	executionIDPattern = regexp.MustCompile(`^exec_[a-zA-Z0-9]{24}$`)
	uploadIDPattern    = regexp.MustCompile(`^upl_[a-zA-Z0-9]{24}$`)
)

// NewExecutionID returns "exec_" followed by 24 random alphanumerics.
func NewExecutionID() string {
	return executionIDPrefix + randomAlphanumeric(idLength)
}

// NewUploadID returns "upl_" followed by 24 random alphanumerics.
func NewUploadID() string {
	return uploadIDPrefix + randomAlphanumeric(idLength)
}

// ValidateExecutionID reports whether id is a well-formed execution ID.
func ValidateExecutionID(id string) bool {
	return executionIDPattern.MatchString(id)
}

// ValidateUploadID reports whether id is a well-formed upload ID.
func ValidateUploadID(id string) bool {
	return uploadIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
