package tenant

import (
	"fmt"
	"strings"
)

// CollectionPrefix is the leading segment of every tenant collection name.
const CollectionPrefix = "cc"

// DefaultKind is the collection kind used when none is specified.
const DefaultKind = "default"

// CollectionName addresses the backing vector collection for one tenant key
// and kind. The wire format is "cc_{user}_{context}_{kind}" with every
// component normalized to the [A-Za-z0-9_] alphabet.
type CollectionName struct {
	UserID    string
	ContextID string
	Kind      string
}

// Collection returns the collection name for a key and kind. An empty kind
// defaults to DefaultKind.
func Collection(key Key, kind string) CollectionName {
	if kind == "" {
		kind = DefaultKind
	}
	return CollectionName{
		UserID:    key.UserID,
		ContextID: key.ContextID,
		Kind:      kind,
	}
}

// String renders the normalized wire form.
//
// Normalization maps every character outside [A-Za-z0-9] to '_'. It is not
// injective: "a-b" and "a_b" collide. Collisions are tolerated because the
// vector store itself serializes writes per collection name; TryParse is
// correspondingly best-effort.
func (n CollectionName) String() string {
	return fmt.Sprintf("%s_%s_%s_%s",
		CollectionPrefix, Normalize(n.UserID), Normalize(n.ContextID), Normalize(n.Kind))
}

// TryParse recovers a CollectionName from its wire form. It requires at
// least four '_'-separated segments with the first equal to
// CollectionPrefix. Components that contained '_' before normalization are
// indistinguishable from segment boundaries, so the parse is lossy for such
// names.
func TryParse(s string) (CollectionName, bool) {
	parts := strings.Split(s, "_")
	if len(parts) < 4 || parts[0] != CollectionPrefix {
		return CollectionName{}, false
	}
	n := CollectionName{
		UserID:    parts[1],
		ContextID: parts[2],
		Kind:      parts[3],
	}
	if n.Kind == "" {
		n.Kind = DefaultKind
	}
	return n, true
}

// Normalize replaces every character outside [A-Za-z0-9] with '_'.
func Normalize(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
