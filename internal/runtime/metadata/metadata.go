// Package metadata holds the string properties a message carries and their
// mapping onto transport headers.
package metadata

import (
	"maps"
	"slices"
)

// Metadata is the string map carried as Message properties and transport headers.
type Metadata map[string]string

// New builds Metadata from alternating keys and values. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 1; i < len(pairs); i += 2 {
		md[pairs[i-1]] = pairs[i]
	}
	return md
}

// Clone never returns nil, even for a nil receiver.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// With returns a copy of m with key set.
func (m Metadata) With(key, value string) Metadata {
	out := make(Metadata, len(m)+1)
	maps.Copy(out, m)
	out[key] = value
	return out
}

// Merge returns a copy of m overlaid with other.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	maps.Copy(out, m)
	maps.Copy(out, other)
	return out
}

// Keys returns the keys in lexical order.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}
