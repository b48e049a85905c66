// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lineage defines the lineage identity and its on-resource
// representation. A lineage names a succession of volumes and snapshots
// that are continuations of the same data set; membership is recorded
// on a resource as a tag whose key is the lineage tag key, with no
// value semantics.
package lineage

import (
	"strings"

	"github.com/juju/errors"
)

// tagKeyPrefix is the prefix of every lineage tag key. The write path
// (workflows) and read path (resolver) must agree on this byte-for-byte
// for lookups to succeed.
const tagKeyPrefix = "lineage="

// Name identifies a lineage, e.g. "database-data".
type Name string

// Validate returns an error satisfying errors.IsNotValid if the name
// cannot be encoded as a tag key.
func (n Name) Validate() error {
	if n == "" {
		return errors.NotValidf("empty lineage name")
	}
	if strings.Contains(string(n), "=") {
		return errors.NotValidf("lineage name %q containing %q", string(n), "=")
	}
	return nil
}

// String implements fmt.Stringer.
func (n Name) String() string {
	return string(n)
}

// TagKey returns the tag key recording membership of this lineage,
// of the form "lineage=<name>".
func (n Name) TagKey() string {
	return tagKeyPrefix + string(n)
}

// HasTag reports whether any of the given tag keys records membership
// of this lineage.
func (n Name) HasTag(keys []string) bool {
	for _, key := range keys {
		if key == n.TagKey() {
			return true
		}
	}
	return false
}
