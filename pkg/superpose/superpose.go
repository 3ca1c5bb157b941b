// Package superpose implements Convergence's superposition engine:
// coalescing independently published snap trees into one manifest that
// represents every disagreement as a Superposition entry, enumerating
// those conflicts, and validating/applying a per-path Resolution to
// produce a conflict-free manifest.
package superpose

import (
	"path"
	"sort"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

// Input is one publication's contribution to a coalesce: its publication
// id (the Variant.Source tag it contributes) and the root manifest of its
// snap.
type Input struct {
	PublicationID string
	Root          types.ObjectId
}

// branch is one input's view of the current directory level during a
// merge: Manifest is nil when this input has no directory at all at the
// current prefix (as opposed to having a directory that merely lacks a
// given entry).
type branch struct {
	pubID    string
	manifest *types.Manifest
}

// Coalesce merges inputs' root manifests into a single root manifest,
// introducing Superposition entries wherever the inputs disagree. The
// result is deterministic: the same (unordered) input set always produces
// the same root id, since variants are canonically sorted on marshal
// (types.Manifest.MarshalJSON) independent of argument order.
func Coalesce(st *store.Store, inputs []Input) (types.ObjectId, error) {
	if len(inputs) == 0 {
		return "", cvgerr.Validationf("coalesce requires at least one input")
	}
	branches := make([]branch, len(inputs))
	for i, in := range inputs {
		m, err := st.GetManifest(in.Root)
		if err != nil {
			return "", err
		}
		branches[i] = branch{pubID: in.PublicationID, manifest: m}
	}
	return mergeDir(st, branches)
}

func mergeDir(st *store.Store, branches []branch) (types.ObjectId, error) {
	nameSet := map[string]bool{}
	for _, b := range branches {
		if b.manifest == nil {
			continue
		}
		for _, e := range b.manifest.Entries {
			nameSet[e.Name] = true
		}
	}
	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		names = append(names, n)
	}
	sort.Strings(names)

	entries := make([]types.ManifestEntry, 0, len(names))
	for _, name := range names {
		raw := make([]*types.ManifestEntry, len(branches))
		for i, b := range branches {
			if b.manifest == nil {
				continue
			}
			for j := range b.manifest.Entries {
				if b.manifest.Entries[j].Name == name {
					raw[i] = &b.manifest.Entries[j]
					break
				}
			}
		}

		entry, err := mergeEntry(st, name, branches, raw)
		if err != nil {
			return "", err
		}
		entries = append(entries, entry)
	}

	m := &types.Manifest{Version: types.ManifestVersion, Entries: entries}
	return st.PutManifest(m)
}

// mergeEntry resolves one path's entry across all branches: the fast path
// (every branch present and byte-equal) emits a single leaf; an all-Dir
// disagreement recurses; everything else (partial presence, or presence
// but mixed kinds) becomes a Superposition.
func mergeEntry(st *store.Store, name string, branches []branch, raw []*types.ManifestEntry) (types.ManifestEntry, error) {
	allPresentFlat := true
	for _, e := range raw {
		if e == nil || e.Kind == types.KindSuperposition {
			allPresentFlat = false
			break
		}
	}

	if allPresentFlat {
		first := raw[0]
		agree := true
		for _, e := range raw[1:] {
			if !sameLeaf(first, e) {
				agree = false
				break
			}
		}
		if agree {
			out := *first
			out.Name = name
			return out, nil
		}

		allDir := true
		for _, e := range raw {
			if e.Kind != types.KindDir {
				allDir = false
				break
			}
		}
		if allDir {
			childBranches := make([]branch, len(branches))
			for i, e := range raw {
				cm, err := st.GetManifest(e.DirManifest)
				if err != nil {
					return types.ManifestEntry{}, err
				}
				childBranches[i] = branch{pubID: branches[i].pubID, manifest: cm}
			}
			childID, err := mergeDir(st, childBranches)
			if err != nil {
				return types.ManifestEntry{}, err
			}
			return types.EntryDir(name, childID), nil
		}
	}

	var variants []types.Variant
	for i, e := range raw {
		variants = append(variants, candidatesFor(branches[i].pubID, e)...)
	}
	return types.EntrySuperposition(name, variants), nil
}

func candidatesFor(pubID string, e *types.ManifestEntry) []types.Variant {
	if e == nil {
		return []types.Variant{{Source: pubID, Kind: types.KindTombstone}}
	}
	if e.Kind == types.KindSuperposition {
		out := make([]types.Variant, len(e.Variants))
		copy(out, e.Variants)
		return out
	}
	return []types.Variant{{
		Source:      pubID,
		Kind:        e.Kind,
		Blob:        e.Blob,
		Recipe:      e.Recipe,
		Mode:        e.Mode,
		Size:        e.Size,
		Target:      e.Target,
		DirManifest: e.DirManifest,
	}}
}

func sameLeaf(a, b *types.ManifestEntry) bool {
	if a.Kind != b.Kind || a.Mode != b.Mode || a.Size != b.Size {
		return false
	}
	switch a.Kind {
	case types.KindFile:
		return a.Blob == b.Blob
	case types.KindFileChunks:
		return a.Recipe == b.Recipe
	case types.KindSymlink:
		return string(a.Target) == string(b.Target)
	case types.KindDir:
		return a.DirManifest == b.DirManifest
	default:
		return false
	}
}

// HasSuperpositions reports whether root's tree contains any Superposition
// entry, short-circuiting on the first one found.
func HasSuperpositions(st *store.Store, root types.ObjectId) (bool, error) {
	stack := []types.ObjectId{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		m, err := st.GetManifest(id)
		if err != nil {
			return false, err
		}
		for _, e := range m.Entries {
			if e.Kind == types.KindSuperposition {
				return true, nil
			}
			if e.Kind == types.KindDir {
				stack = append(stack, e.DirManifest)
			}
		}
	}
	return false, nil
}

// frame is an explicit work-stack entry for Variants, avoiding unbounded
// recursion over deep manifest DAGs.
type frame struct {
	prefix string
	id     types.ObjectId
}

// Variants returns every superposed path in root's tree, mapped to its
// ordered variant list.
func Variants(st *store.Store, root types.ObjectId) (map[string][]types.Variant, error) {
	out := map[string][]types.Variant{}
	stack := []frame{{prefix: "", id: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		m, err := st.GetManifest(f.id)
		if err != nil {
			return nil, err
		}
		for _, e := range m.Entries {
			p := path.Join(f.prefix, e.Name)
			switch e.Kind {
			case types.KindSuperposition:
				out[p] = e.Variants
			case types.KindDir:
				stack = append(stack, frame{prefix: p, id: e.DirManifest})
			}
		}
	}
	return out, nil
}

// ValidateResolution checks res's decisions against root's current
// superposition set.
func ValidateResolution(st *store.Store, root types.ObjectId, res *types.Resolution) (types.ValidationReport, error) {
	variants, err := Variants(st, root)
	if err != nil {
		return types.ValidationReport{}, err
	}

	var report types.ValidationReport
	for p := range variants {
		if res == nil {
			report.Missing = append(report.Missing, p)
			continue
		}
		if _, ok := res.Decisions[p]; !ok {
			report.Missing = append(report.Missing, p)
		}
	}
	if res != nil {
		for p, d := range res.Decisions {
			vs, ok := variants[p]
			if !ok {
				report.Extraneous = append(report.Extraneous, p)
				continue
			}
			if d.Key != nil {
				found := false
				for _, v := range vs {
					if v.Key() == *d.Key {
						found = true
						break
					}
				}
				if !found {
					report.InvalidKeys = append(report.InvalidKeys, p)
				}
				continue
			}
			if d.Index != nil {
				if *d.Index < 0 || *d.Index >= len(vs) {
					report.OutOfRange = append(report.OutOfRange, p)
				}
				continue
			}
			report.InvalidKeys = append(report.InvalidKeys, p)
		}
	}

	sort.Strings(report.Missing)
	sort.Strings(report.Extraneous)
	sort.Strings(report.OutOfRange)
	sort.Strings(report.InvalidKeys)
	return report, nil
}

// applyKey memoizes a subtree rewrite by (path prefix, source manifest
// id): identical subtrees reused at different paths rewrite independently,
// since path-keyed decisions apply only to a specific prefix.
type applyKey struct {
	prefix string
	id     types.ObjectId
}

// Apply validates res against root, then emits the resolved,
// conflict-free root manifest: each Superposition is replaced by its
// decided variant (dropped entirely for a Tombstone decision).
// Deterministic: the same (root, res) always yields the same resolved id.
func Apply(st *store.Store, root types.ObjectId, res *types.Resolution) (types.ObjectId, error) {
	report, err := ValidateResolution(st, root, res)
	if err != nil {
		return "", err
	}
	if !report.OK() {
		return "", cvgerr.Validationf(
			"resolution invalid: missing=%v extraneous=%v out_of_range=%v invalid_keys=%v",
			report.Missing, report.Extraneous, report.OutOfRange, report.InvalidKeys)
	}
	memo := map[applyKey]types.ObjectId{}
	return applyDir(st, "", root, res, memo)
}

func applyDir(st *store.Store, prefix string, manifestID types.ObjectId, res *types.Resolution, memo map[applyKey]types.ObjectId) (types.ObjectId, error) {
	key := applyKey{prefix: prefix, id: manifestID}
	if id, ok := memo[key]; ok {
		return id, nil
	}

	m, err := st.GetManifest(manifestID)
	if err != nil {
		return "", err
	}

	entries := make([]types.ManifestEntry, 0, len(m.Entries))
	for _, e := range m.Entries {
		p := path.Join(prefix, e.Name)
		switch e.Kind {
		case types.KindDir:
			childID, err := applyDir(st, p, e.DirManifest, res, memo)
			if err != nil {
				return "", err
			}
			entries = append(entries, types.EntryDir(e.Name, childID))
		case types.KindSuperposition:
			decision, ok := res.Decisions[p]
			if !ok {
				return "", cvgerr.Validationf("missing resolution decision for %s", p)
			}
			variant, isTombstone, err := pickVariant(e.Variants, decision)
			if err != nil {
				return "", err
			}
			if isTombstone {
				continue
			}
			leaf := variantToEntry(e.Name, variant)
			if leaf.Kind == types.KindDir {
				childID, err := applyDir(st, p, leaf.DirManifest, res, memo)
				if err != nil {
					return "", err
				}
				leaf.DirManifest = childID
			}
			entries = append(entries, leaf)
		default:
			entries = append(entries, e)
		}
	}

	out := &types.Manifest{Version: types.ManifestVersion, Entries: entries}
	id, err := st.PutManifest(out)
	if err != nil {
		return "", err
	}
	memo[key] = id
	return id, nil
}

func pickVariant(variants []types.Variant, decision types.ResolutionDecision) (types.Variant, bool, error) {
	if decision.Key != nil {
		for _, v := range variants {
			if v.Key() == *decision.Key {
				return v, v.Kind == types.KindTombstone, nil
			}
		}
		return types.Variant{}, false, cvgerr.Validationf("resolution key not found among variants")
	}
	if decision.Index != nil {
		idx := *decision.Index
		if idx < 0 || idx >= len(variants) {
			return types.Variant{}, false, cvgerr.Validationf("resolution index %d out of range", idx)
		}
		v := variants[idx]
		return v, v.Kind == types.KindTombstone, nil
	}
	return types.Variant{}, false, cvgerr.Validationf("resolution decision has neither index nor key")
}

func variantToEntry(name string, v types.Variant) types.ManifestEntry {
	switch v.Kind {
	case types.KindFile:
		return types.EntryFile(name, v.Blob, v.Mode, v.Size)
	case types.KindFileChunks:
		return types.EntryFileChunks(name, v.Recipe, v.Mode, v.Size)
	case types.KindSymlink:
		return types.EntrySymlink(name, v.Target)
	case types.KindDir:
		return types.EntryDir(name, v.DirManifest)
	default:
		return types.ManifestEntry{Name: name, Kind: v.Kind}
	}
}

// UpgradeResolution converts a v1 (index-based) resolution to v2
// (key-based) against root's current variant set, resolving each index
// decision to the VariantKey it currently names. Already-v2 resolutions
// (or decisions already carrying a Key) pass through unchanged. A v1
// input yields a new Resolution value and res itself is not modified;
// Apply and ValidateResolution take index decisions as they are and do
// not call UpgradeResolution, and nothing persists its result.
func UpgradeResolution(st *store.Store, root types.ObjectId, res *types.Resolution) (*types.Resolution, error) {
	if res.Version == types.ResolutionVersionKey {
		return res, nil
	}
	variants, err := Variants(st, root)
	if err != nil {
		return nil, err
	}
	upgraded := &types.Resolution{
		Version:   types.ResolutionVersionKey,
		Decisions: make(map[string]types.ResolutionDecision, len(res.Decisions)),
	}
	for p, d := range res.Decisions {
		if d.Key != nil {
			upgraded.Decisions[p] = d
			continue
		}
		if d.Index == nil {
			return nil, cvgerr.Validationf("resolution decision for %s has neither index nor key", p)
		}
		vs, ok := variants[p]
		if !ok || *d.Index < 0 || *d.Index >= len(vs) {
			return nil, cvgerr.Validationf("resolution index for %s no longer valid", p)
		}
		key := vs[*d.Index].Key()
		upgraded.Decisions[p] = types.ResolutionDecision{Key: &key}
	}
	return upgraded, nil
}
