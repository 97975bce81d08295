// Package tenant defines the addressing types for per-user, per-context
// resource isolation: the tenant key and the backing collection name.
package tenant

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultContextID is used when a request does not name a context.
const DefaultContextID = "default"

// Common errors.
var (
	ErrInvalidUserID = errors.New("invalid user ID")
	ErrNotCollection = errors.New("not a tenant collection name")
)

// Key identifies one isolation boundary: a user together with an
// application-defined context (for example a channel). Two keys are equal
// iff both fields are equal, case-sensitive.
type Key struct {
	UserID    string
	ContextID string
}

// NewKey builds a Key, defaulting an empty context to DefaultContextID.
func NewKey(userID, contextID string) (Key, error) {
	if userID == "" {
		return Key{}, ErrInvalidUserID
	}
	if contextID == "" {
		contextID = DefaultContextID
	}
	return Key{UserID: userID, ContextID: contextID}, nil
}

// String returns the canonical composite form used as a cache map key.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.UserID, k.ContextID)
}

// ParseKey is the inverse of String. The user ID must not contain ":";
// everything after the first separator is the context ID.
func ParseKey(s string) (Key, error) {
	user, context, ok := strings.Cut(s, ":")
	if !ok {
		return NewKey(s, "")
	}
	return NewKey(user, context)
}
