// Package idgen provides ID generation for brandscope entities.
//
// All constructors accept a Generator, making the ID strategy a
// startup-time decision rather than a compile-time one.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Used for type-scoped identifiers (e.g. "job_", "fnd_", "sub_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the module default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Job produces a job ID ("job_" + UUIDv7).
var Job = Prefixed("job_", Default)

// Finding produces a staged-finding ID.
var Finding = Prefixed("fnd_", Default)

// Subscription produces a hub subscription ID.
var Subscription = Prefixed("sub_", Default)

// Audit produces an audit-log row ID.
var Audit = Prefixed("aud_", Default)

// Parse validates a UUID string and returns its canonical form or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
