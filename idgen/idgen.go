// Package idgen provides pluggable ID generation for pagekeep.
//
// Constructors accept a Generator so the ID strategy is a startup-time
// decision. Snapshot ids must not be guessable: they are served as bearer
// handles in /content and /asset URLs, so the default for them is Random.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Random returns a Generator that produces RFC 9562 UUID v4 strings
// (122 random bits). Use for identifiers that double as access handles.
func Random() Generator {
	return func() string {
		return uuid.Must(uuid.NewRandom()).String()
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, globally unique. Fine for internal rows (events), not for
// handles handed to clients: the leading 48 bits are a timestamp.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "cap_", "evt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the generator for internal rows.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// ParsePrefixed validates that s is prefix followed by a UUID and returns
// the canonical form. Rejects anything a Prefixed(prefix, Random()) or
// Prefixed(prefix, UUIDv7()) generator could not have produced.
func ParsePrefixed(prefix, s string) (string, error) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return "", fmt.Errorf("idgen: missing prefix %q", prefix)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return prefix + u.String(), nil
}
