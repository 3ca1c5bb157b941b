// Package diff computes tree-to-tree differences over manifest DAGs,
// including rename detection.
package diff

import (
	"path"
	"sort"

	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

// renameJaccardThreshold and renameSizeTolerance are fixed design
// parameters: a secondary rename pass promotes a pair to
// Renamed{Modified:true} when either holds.
const (
	renameJaccardThreshold = 0.5
	renameSizeTolerance    = 0.01
)

// Status is a diff line's classification.
type Status string

const (
	StatusAdded    Status = "added"
	StatusDeleted  Status = "deleted"
	StatusModified Status = "modified"
	StatusRenamed  Status = "renamed"
)

var statusRank = map[Status]int{
	StatusDeleted:  0,
	StatusAdded:    1,
	StatusModified: 2,
	StatusRenamed:  3,
}

// DiffLine is one reported change. From and Modified are set only when
// Status is StatusRenamed.
type DiffLine struct {
	Path     string `json:"path"`
	Status   Status `json:"status"`
	From     string `json:"from,omitempty"`
	Modified bool   `json:"modified,omitempty"`
}

// entrySig condenses a manifest leaf into the signature Diff compares.
type entrySig struct {
	kind         types.EntryKind
	blob         types.ObjectId
	recipe       types.ObjectId
	mode         uint32
	size         int64
	target       string
	variantCount int
}

func (a entrySig) equal(b entrySig) bool {
	return a.kind == b.kind && a.blob == b.blob && a.recipe == b.recipe &&
		a.mode == b.mode && a.size == b.size && a.target == b.target &&
		a.variantCount == b.variantCount
}

func sigFromEntry(e types.ManifestEntry) entrySig {
	sig := entrySig{kind: e.Kind, mode: e.Mode, size: e.Size}
	switch e.Kind {
	case types.KindFile:
		sig.blob = e.Blob
	case types.KindFileChunks:
		sig.recipe = e.Recipe
	case types.KindSymlink:
		sig.target = string(e.Target)
	case types.KindDir:
		sig.recipe = e.DirManifest // reuse field; dir ids are the "content id"
	case types.KindSuperposition:
		sig.variantCount = len(e.Variants)
	}
	return sig
}

// frame is an explicit work-stack entry, avoiding unbounded recursion over
// arbitrarily deep manifest DAGs.
type frame struct {
	prefix string
	id     types.ObjectId
}

func flatten(st *store.Store, root types.ObjectId) (map[string]entrySig, error) {
	out := map[string]entrySig{}
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
			if e.Kind == types.KindDir {
				stack = append(stack, frame{prefix: p, id: e.DirManifest})
				continue
			}
			out[p] = sigFromEntry(e)
		}
	}
	return out, nil
}

// Diff compares two manifest trees, returning a stable-sorted list of
// changes (by target path, ties broken by status).
func Diff(st *store.Store, rootA, rootB types.ObjectId) ([]DiffLine, error) {
	sigsA, err := flatten(st, rootA)
	if err != nil {
		return nil, err
	}
	sigsB, err := flatten(st, rootB)
	if err != nil {
		return nil, err
	}

	var deleted, added, modified []string
	for p, sa := range sigsA {
		sb, ok := sigsB[p]
		if !ok {
			deleted = append(deleted, p)
			continue
		}
		if !sa.equal(sb) {
			modified = append(modified, p)
		}
	}
	for p := range sigsB {
		if _, ok := sigsA[p]; !ok {
			added = append(added, p)
		}
	}

	// Rename pairing scans these in order, so they must not inherit map
	// iteration order: sorted input makes tied-similarity pairings
	// deterministic across runs.
	sort.Strings(added)
	sort.Strings(deleted)
	sort.Strings(modified)

	lines := renameDetect(st, sigsA, sigsB, &added, &deleted)

	for _, p := range added {
		lines = append(lines, DiffLine{Path: p, Status: StatusAdded})
	}
	for _, p := range deleted {
		lines = append(lines, DiffLine{Path: p, Status: StatusDeleted})
	}
	for _, p := range modified {
		lines = append(lines, DiffLine{Path: p, Status: StatusModified})
	}

	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Path != lines[j].Path {
			return lines[i].Path < lines[j].Path
		}
		return statusRank[lines[i].Status] < statusRank[lines[j].Status]
	})
	return lines, nil
}

// renameDetect consumes matched entries out of added/deleted in place and
// returns the Renamed lines it found: first an exact pass (unique
// signature match), then a Jaccard-similarity pass over FileChunks
// recipes for the remainder.
func renameDetect(st *store.Store, sigsA, sigsB map[string]entrySig, added, deleted *[]string) []DiffLine {
	var lines []DiffLine

	matchCount := map[entrySig]int{}
	for _, p := range *deleted {
		matchCount[sigsA[p]]++
	}

	remainingAdded := make([]string, 0, len(*added))
	consumedDeleted := map[string]bool{}
	for _, ap := range *added {
		sig := sigsB[ap]
		if matchCount[sig] != 1 {
			remainingAdded = append(remainingAdded, ap)
			continue
		}
		var from string
		for _, dp := range *deleted {
			if !consumedDeleted[dp] && sigsA[dp].equal(sig) {
				from = dp
				break
			}
		}
		if from == "" {
			remainingAdded = append(remainingAdded, ap)
			continue
		}
		consumedDeleted[from] = true
		lines = append(lines, DiffLine{Path: ap, Status: StatusRenamed, From: from, Modified: false})
	}

	remainingDeleted := make([]string, 0, len(*deleted))
	for _, dp := range *deleted {
		if !consumedDeleted[dp] {
			remainingDeleted = append(remainingDeleted, dp)
		}
	}

	// Secondary pass: recipe-chunk Jaccard similarity for FileChunks
	// entries only.
	finalAdded := make([]string, 0, len(remainingAdded))
	usedDeleted := map[string]bool{}
	for _, ap := range remainingAdded {
		sigB := sigsB[ap]
		if sigB.kind != types.KindFileChunks {
			finalAdded = append(finalAdded, ap)
			continue
		}
		best := ""
		bestScore := 0.0
		// remainingDeleted is path-sorted, so requiring a strictly
		// better score keeps the lexicographically first candidate on a
		// tie.
		for _, dp := range remainingDeleted {
			if usedDeleted[dp] {
				continue
			}
			sigA := sigsA[dp]
			if sigA.kind != types.KindFileChunks {
				continue
			}
			score, ok := recipeSimilarity(st, sigA.recipe, sigB.recipe, sigA.size, sigB.size)
			if ok && score > bestScore {
				bestScore = score
				best = dp
			}
		}
		if best != "" {
			usedDeleted[best] = true
			lines = append(lines, DiffLine{Path: ap, Status: StatusRenamed, From: best, Modified: true})
		} else {
			finalAdded = append(finalAdded, ap)
		}
	}

	finalDeleted := make([]string, 0, len(remainingDeleted))
	for _, dp := range remainingDeleted {
		if !usedDeleted[dp] {
			finalDeleted = append(finalDeleted, dp)
		}
	}

	*added = finalAdded
	*deleted = finalDeleted
	return lines
}

// recipeSimilarity reports whether the two recipes are similar enough to
// be considered the same file renamed-and-modified: either their chunk id
// sets overlap by at least renameJaccardThreshold (Jaccard), or their
// sizes are within renameSizeTolerance of each other.
func recipeSimilarity(st *store.Store, a, b types.ObjectId, sizeA, sizeB int64) (float64, bool) {
	if sizeA > 0 && sizeB > 0 {
		delta := sizeA - sizeB
		if delta < 0 {
			delta = -delta
		}
		if float64(delta)/float64(max64(sizeA, sizeB)) <= renameSizeTolerance {
			return 1.0, true
		}
	}

	recipeA, err := st.GetRecipe(a)
	if err != nil {
		return 0, false
	}
	recipeB, err := st.GetRecipe(b)
	if err != nil {
		return 0, false
	}

	setA := map[types.ObjectId]bool{}
	for _, c := range recipeA.Chunks {
		setA[c.Blob] = true
	}
	setB := map[types.ObjectId]bool{}
	for _, c := range recipeB.Chunks {
		setB[c.Blob] = true
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0, false
	}

	intersection := 0
	for id := range setA {
		if setB[id] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	jaccard := float64(intersection) / float64(union)
	return jaccard, jaccard >= renameJaccardThreshold
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
