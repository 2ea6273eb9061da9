// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package item is the in-memory representation of one cached file and its
// serialization to/from the string-keyed variant dictionary ControlPlane
// puts on the wire (spec.md §3, §4.4, §9 "Dynamic variant dictionaries").
package item

import (
	"io"
	"math"
	"strings"
	"time"

	"github.com/hughsie/passim/internal/errs"
)

// U32Max is the sentinel meaning "never expire" (MaxAge) or "unlimited"
// (ShareLimit).
const U32Max uint32 = math.MaxUint32

// DefaultMaxAge and DefaultShareLimit are applied during scan-on-start when
// the corresponding xattr is absent, and during Publish when ShareLimit is
// left at the reserved/unset value of 0 (spec.md §9, Open Questions).
const (
	DefaultMaxAge     uint32 = 24 * 60 * 60
	DefaultShareLimit uint32 = 5
)

// Flags is the Item bitset: DISABLED, NEXT_REBOOT.
type Flags uint8

const (
	FlagDisabled Flags = 1 << iota
	FlagNextReboot
)

func (f Flags) Disabled() bool    { return f&FlagDisabled != 0 }
func (f Flags) NextReboot() bool  { return f&FlagNextReboot != 0 }
func (f Flags) String() string {
	var parts []string
	if f.Disabled() {
		parts = append(parts, "DISABLED")
	}
	if f.NextReboot() {
		parts = append(parts, "NEXT_REBOOT")
	}
	return strings.Join(parts, "|")
}

// Storage holds exactly one of the three content sources a client-side
// builder Item may carry; the server always populates Path.
type Storage struct {
	Path   string
	Bytes  []byte
	Stream io.ReadCloser
}

// Item is the unit of caching and sharing (spec.md §3).
type Item struct {
	Hash       string
	Basename   string
	Cmdline    string
	Ctime      time.Time
	MaxAge     uint32
	ShareLimit uint32
	ShareCount uint32
	Size       uint64
	Flags      Flags
	Storage    Storage
}

// Filename is the on-disk name: <hash>-<basename> (spec.md §3).
func (it *Item) Filename() string { return it.Hash + "-" + it.Basename }

// ValidateBasename enforces "basename MUST NOT contain /" (spec.md §3).
func ValidateBasename(basename string) error {
	if basename == "" {
		return errs.New(errs.InvalidArgs, "basename must not be empty")
	}
	if strings.ContainsRune(basename, '/') {
		return errs.New(errs.InvalidArgs, "basename %q must not contain '/'", basename)
	}
	return nil
}

// NormalizeShareLimit applies the Open Questions decision from spec.md §9:
// 0 on Publish means "not set", not "evict immediately".
func NormalizeShareLimit(shareLimit uint32) uint32 {
	if shareLimit == 0 {
		return DefaultShareLimit
	}
	return shareLimit
}

// Expired reports whether the item's age has exceeded MaxAge as of now
// (spec.md §4.1, "Age sweep").
func (it *Item) Expired(now time.Time) bool {
	if it.MaxAge == U32Max {
		return false
	}
	age := now.Sub(it.Ctime)
	return age > time.Duration(it.MaxAge)*time.Second
}

// AtOrOverShareLimit reports share_count >= share_limit, the eviction
// trigger used immediately after HttpFront increments ShareCount (spec.md
// §8, "Share accounting"; §9 resolves the ambiguity in favor of this
// post-increment comparison).
func (it *Item) AtOrOverShareLimit() bool {
	if it.ShareLimit == U32Max {
		return false
	}
	return it.ShareCount >= it.ShareLimit
}

// ToVariantMap serializes the fields ControlPlane.GetItems exposes
// (spec.md §4.4): filename, hash, cmdline, max-age, share-limit,
// share-count, flags.
func (it *Item) ToVariantMap() map[string]any {
	return map[string]any{
		"filename":    it.Filename(),
		"hash":        it.Hash,
		"cmdline":     it.Cmdline,
		"max-age":     it.MaxAge,
		"share-limit": it.ShareLimit,
		"share-count": it.ShareCount,
		"flags":       uint32(it.Flags),
	}
}

// FromVariantMap decodes the loose key/value map a Publish call supplies
// into a typed builder Item. Unknown keys are ignored for forward
// compatibility; a missing "filename" key (the minimum required field) is
// InvalidArgs (spec.md §9, "Dynamic variant dictionaries").
func FromVariantMap(m map[string]any) (*Item, error) {
	basename, _ := m["filename"].(string)
	if basename == "" {
		return nil, errs.New(errs.InvalidArgs, "missing required key \"filename\"")
	}
	if err := ValidateBasename(basename); err != nil {
		return nil, err
	}

	it := &Item{
		Basename:   basename,
		MaxAge:     U32Max,
		ShareLimit: 0, // normalized by the caller via NormalizeShareLimit
	}
	if v, ok := asUint32(m["max-age"]); ok {
		it.MaxAge = v
	}
	if v, ok := asUint32(m["share-limit"]); ok {
		it.ShareLimit = v
	}
	if v, ok := asUint32(m["flags"]); ok {
		it.Flags = Flags(v)
	}
	if v, ok := m["cmdline"].(string); ok {
		it.Cmdline = v
	}
	return it, nil
}

// FromSnapshotVariantMap decodes one entry of ControlPlane.GetItems' result
// (spec.md §4.4): unlike FromVariantMap, the "filename" key here is already
// the on-disk "<hash>-<basename>" form, and "hash"/"share-count" are
// present and authoritative rather than server-assigned.
func FromSnapshotVariantMap(m map[string]any) (*Item, error) {
	hash, _ := m["hash"].(string)
	filename, _ := m["filename"].(string)
	basename := strings.TrimPrefix(filename, hash+"-")
	if basename == "" {
		basename = filename
	}
	it := &Item{Hash: hash, Basename: basename}
	if v, ok := m["cmdline"].(string); ok {
		it.Cmdline = v
	}
	if v, ok := asUint32(m["max-age"]); ok {
		it.MaxAge = v
	}
	if v, ok := asUint32(m["share-limit"]); ok {
		it.ShareLimit = v
	}
	if v, ok := asUint32(m["share-count"]); ok {
		it.ShareCount = v
	}
	if v, ok := asUint32(m["flags"]); ok {
		it.Flags = Flags(v)
	}
	return it, nil
}

// asUint32 accepts the handful of numeric kinds json/dbus decoding may
// produce for a variant integer.
func asUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case uint64:
		return uint32(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	default:
		return 0, false
	}
}
