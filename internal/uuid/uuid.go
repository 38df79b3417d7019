// Package uuid generates the client-generated correlation ids (cids) that
// make record creation idempotent, and the request ids sent with each call.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx, y in [89ab]
var v4Pattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new random cid.
func New() string {
	return uuid.New().String()
}

// NewRequestID returns an id for the X-Request-Id header. It is a separate
// helper so request ids can never be confused with a record cid in logs.
func NewRequestID() string {
	return "req-" + uuid.New().String()
}

// IsValid checks if a string is a well-formed v4 cid.
func IsValid(s string) bool {
	return v4Pattern.MatchString(s)
}

// Validate returns an error if s is not a well-formed cid.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid cid %q", s)
	}
	return nil
}
