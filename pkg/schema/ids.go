package schema

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces opaque unique identifiers. Injected wherever ids are
// minted so tests can use deterministic sequences.
type IDGenerator func() string

// UUIDGenerator returns random v4 UUID strings.
func UUIDGenerator() IDGenerator {
	return func() string { return uuid.New().String() }
}

// SequentialIDs returns a generator yielding prefix-1, prefix-2, ...
// Safe for concurrent use.
func SequentialIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}
