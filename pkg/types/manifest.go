package types

import (
	"encoding/hex"
	"encoding/json"
	"sort"
)

// EntryKind discriminates the tagged union of a manifest entry (and, with
// the addition of KindTombstone, a superposition variant).
type EntryKind string

const (
	KindFile          EntryKind = "file"
	KindFileChunks    EntryKind = "file_chunks"
	KindSymlink       EntryKind = "symlink"
	KindDir           EntryKind = "dir"
	KindSuperposition EntryKind = "superposition"
	KindTombstone     EntryKind = "tombstone"
)

// entryKindRank gives the tagged union a stable, locale-independent total
// order for variant sorting: (kind-rank, VariantKey).
var entryKindRank = map[EntryKind]int{
	KindFile:       0,
	KindFileChunks: 1,
	KindSymlink:    2,
	KindDir:        3,
	KindTombstone:  4,
}

// Manifest is an ordered-by-name list of directory entries. Its id
// addresses its canonical bytes; canonical bytes always carry entries
// sorted by Name regardless of construction order.
type Manifest struct {
	Version int             `json:"version"`
	Entries []ManifestEntry `json:"entries"`
}

const ManifestVersion = 1

// MarshalJSON guarantees canonical ordering: entries by Name, and any
// superposition's variants by (kind-rank, VariantKey).
func (m Manifest) MarshalJSON() ([]byte, error) {
	entries := make([]ManifestEntry, len(m.Entries))
	copy(entries, m.Entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for i := range entries {
		entries[i].sortVariants()
	}
	type alias Manifest
	return json.Marshal(alias{Version: m.Version, Entries: entries})
}

// ManifestEntry is one directory entry. Name is a single path component
// (never containing "/"). Exactly the fields relevant to Kind are set; the
// rest are left zero and omitted from JSON.
type ManifestEntry struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"kind"`

	// File, FileChunks
	Blob   ObjectId `json:"blob,omitempty"`
	Recipe ObjectId `json:"recipe,omitempty"`
	Mode   uint32   `json:"mode,omitempty"`
	Size   int64    `json:"size,omitempty"`

	// Symlink
	Target []byte `json:"target,omitempty"`

	// Dir
	DirManifest ObjectId `json:"manifest,omitempty"`

	// Superposition
	Variants []Variant `json:"variants,omitempty"`
}

func (e *ManifestEntry) sortVariants() {
	if e.Kind != KindSuperposition {
		return
	}
	variants := make([]Variant, len(e.Variants))
	copy(variants, e.Variants)
	sort.Slice(variants, func(i, j int) bool {
		ki, kj := variants[i].Key(), variants[j].Key()
		ri, rj := entryKindRank[ki.Kind], entryKindRank[kj.Kind]
		if ri != rj {
			return ri < rj
		}
		if ki.Kind != kj.Kind {
			return ki.Kind < kj.Kind
		}
		return ki.ContentID < kj.ContentID
	})
	e.Variants = variants
}

// Variant is one alternative within a Superposition entry: a tagged union
// identical in shape to ManifestEntry's leaf kinds plus Tombstone, carrying
// an opaque Source (the publication id it came from).
type Variant struct {
	Source string    `json:"source"`
	Kind   EntryKind `json:"kind"`

	Blob   ObjectId `json:"blob,omitempty"`
	Recipe ObjectId `json:"recipe,omitempty"`
	Mode   uint32   `json:"mode,omitempty"`
	Size   int64    `json:"size,omitempty"`

	Target []byte `json:"target,omitempty"`

	DirManifest ObjectId `json:"manifest,omitempty"`
}

// VariantKey is the variant's identity independent of Source: it lets a
// resolution decision survive re-coalescing of the same inputs.
type VariantKey struct {
	Kind      EntryKind `json:"kind"`
	ContentID string    `json:"content_id"`
}

// Key derives v's VariantKey.
func (v Variant) Key() VariantKey {
	switch v.Kind {
	case KindFile:
		return VariantKey{Kind: v.Kind, ContentID: string(v.Blob)}
	case KindFileChunks:
		return VariantKey{Kind: v.Kind, ContentID: string(v.Recipe)}
	case KindSymlink:
		return VariantKey{Kind: v.Kind, ContentID: hex.EncodeToString(v.Target)}
	case KindDir:
		return VariantKey{Kind: v.Kind, ContentID: string(v.DirManifest)}
	case KindTombstone:
		return VariantKey{Kind: v.Kind, ContentID: "-"}
	default:
		return VariantKey{Kind: v.Kind, ContentID: ""}
	}
}

// EntryFile builds a File-kind entry.
func EntryFile(name string, blob ObjectId, mode uint32, size int64) ManifestEntry {
	return ManifestEntry{Name: name, Kind: KindFile, Blob: blob, Mode: mode, Size: size}
}

// EntryFileChunks builds a FileChunks-kind entry.
func EntryFileChunks(name string, recipe ObjectId, mode uint32, size int64) ManifestEntry {
	return ManifestEntry{Name: name, Kind: KindFileChunks, Recipe: recipe, Mode: mode, Size: size}
}

// EntrySymlink builds a Symlink-kind entry.
func EntrySymlink(name string, target []byte) ManifestEntry {
	return ManifestEntry{Name: name, Kind: KindSymlink, Target: target}
}

// EntryDir builds a Dir-kind entry.
func EntryDir(name string, manifest ObjectId) ManifestEntry {
	return ManifestEntry{Name: name, Kind: KindDir, DirManifest: manifest}
}

// EntrySuperposition builds a Superposition-kind entry. Variants are
// resorted into canonical order by MarshalJSON, so callers may pass them
// in any order.
func EntrySuperposition(name string, variants []Variant) ManifestEntry {
	e := ManifestEntry{Name: name, Kind: KindSuperposition, Variants: variants}
	e.sortVariants()
	return e
}
