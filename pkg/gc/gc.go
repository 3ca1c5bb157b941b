// Package gc implements Convergence's mark-and-sweep garbage collector.
// A sweep computes the set of objects reachable from the repo's retention
// roots (pinned bundles, the bundles behind the releases a sweep keeps,
// lane heads and their recent history) and deletes everything else,
// optionally pruning the now-dangling repo-level metadata records
// alongside it.
package gc

import (
	"sort"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/metrics"
	"github.com/cuemby/convergence/pkg/repo"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

// Options configures a sweep.
type Options struct {
	// DryRun computes and reports the retained/deletable sets without
	// touching anything on disk.
	DryRun bool
	// PruneMetadata, when true, also drops repo.json records (bundles,
	// publications, releases, snap ids) that fall outside the retained
	// set once the sweep completes. A non-dry-run sweep requires this:
	// without it, deleting objects while keeping the metadata that
	// references them would leave the repo pointing at missing data.
	PruneMetadata bool
	// PruneReleasesKeepLast caps release history per channel to the N
	// most recently released entries. Zero means unlimited (no release
	// history pruning).
	PruneReleasesKeepLast int
}

// counts tallies objects of each kind.
type counts struct {
	Bundles   int `json:"bundles"`
	Snaps     int `json:"snaps"`
	Manifests int `json:"manifests"`
	Recipes   int `json:"recipes"`
	Blobs     int `json:"blobs"`
}

// Report summarizes a sweep's outcome.
type Report struct {
	DryRun      bool   `json:"dry_run"`
	Kept        counts `json:"kept"`
	Deleted     counts `json:"deleted"`
	Resolutions int    `json:"resolutions_deleted"`
}

// Sweep runs one GC pass against st's current repo state.
func Sweep(st *repo.State, opts Options) (Report, error) {
	if !opts.PruneMetadata && !opts.DryRun {
		return Report{}, cvgerr.Validationf("gc sweep requires prune_metadata unless dry_run: deleting objects without pruning the metadata that names them would leave dangling references")
	}
	timer := metrics.NewTimer()

	r := st.Snapshot()
	objects := st.Store()

	keptReleases, _ := pruneReleases(r.Releases, opts.PruneReleasesKeepLast)

	retainedBundles := map[string]bool{}
	for _, id := range r.PinnedBundles {
		retainedBundles[id] = true
	}
	for _, rel := range keptReleases {
		retainedBundles[rel.BundleID] = true
	}

	manifests := map[types.ObjectId]bool{}
	recipes := map[types.ObjectId]bool{}
	blobs := map[types.ObjectId]bool{}
	retainedSnaps := map[types.ObjectId]bool{}

	for _, b := range r.Bundles {
		if !retainedBundles[b.ID] {
			continue
		}
		if err := collectReachable(objects, b.RootManifest, manifests, recipes, blobs); err != nil {
			return Report{}, err
		}
		for _, pubID := range b.InputPublications {
			if pub, ok := r.FindPublication(pubID); ok {
				retainedSnaps[pub.SnapID] = true
			}
		}
	}

	for _, lane := range r.Lanes {
		for _, head := range lane.Heads {
			retainedSnaps[head.SnapID] = true
		}
		for _, hist := range lane.HeadHistory {
			for _, h := range hist {
				retainedSnaps[h.SnapID] = true
			}
		}
	}

	for snapID := range retainedSnaps {
		snap, err := objects.GetSnap(snapID)
		if err != nil {
			if cvgerr.Is(err, cvgerr.NotFound) {
				continue
			}
			return Report{}, err
		}
		if err := collectReachable(objects, snap.RootManifest, manifests, recipes, blobs); err != nil {
			return Report{}, err
		}
	}

	report := Report{DryRun: opts.DryRun}
	report.Kept = counts{
		Bundles:   len(retainedBundles),
		Snaps:     len(retainedSnaps),
		Manifests: len(manifests),
		Recipes:   len(recipes),
		Blobs:     len(blobs),
	}

	deletedBlobs, err := sweepIDs(objects.ListBlobs, blobs, objects.DeleteBlob, opts.DryRun)
	if err != nil {
		return report, err
	}
	deletedRecipes, err := sweepIDs(objects.ListRecipes, recipes, objects.DeleteRecipe, opts.DryRun)
	if err != nil {
		return report, err
	}
	deletedManifests, err := sweepIDs(objects.ListManifests, manifests, objects.DeleteManifest, opts.DryRun)
	if err != nil {
		return report, err
	}
	deletedSnaps, err := sweepIDs(objects.ListSnaps, retainedSnaps, objects.DeleteSnap, opts.DryRun)
	if err != nil {
		return report, err
	}
	// Resolutions are staging objects consumed into a publication's
	// embedded Resolution value; nothing references one by id once it
	// has been applied, so every sweep (dry-run aside) treats the whole
	// kind as unrooted and reclaims it.
	deletedResolutions, err := sweepIDs(objects.ListResolutions, nil, objects.DeleteResolution, opts.DryRun)
	if err != nil {
		return report, err
	}

	report.Deleted = counts{
		Snaps:     deletedSnaps,
		Manifests: deletedManifests,
		Recipes:   deletedRecipes,
		Blobs:     deletedBlobs,
	}
	report.Resolutions = deletedResolutions

	if opts.PruneMetadata && !opts.DryRun {
		if err := st.PruneMetadata(retainedBundles, retainedSnaps, keptReleases); err != nil {
			return report, err
		}
	}

	metrics.GCSweepsTotal.WithLabelValues(boolLabel(opts.DryRun)).Inc()
	metrics.GCObjectsDeletedTotal.WithLabelValues("blob").Add(float64(deletedBlobs))
	metrics.GCObjectsDeletedTotal.WithLabelValues("recipe").Add(float64(deletedRecipes))
	metrics.GCObjectsDeletedTotal.WithLabelValues("manifest").Add(float64(deletedManifests))
	metrics.GCObjectsDeletedTotal.WithLabelValues("snap").Add(float64(deletedSnaps))
	metrics.GCObjectsDeletedTotal.WithLabelValues("resolution").Add(float64(deletedResolutions))
	timer.ObserveDuration(metrics.GCSweepDuration)

	return report, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// collectReachable walks the manifest tree rooted at root, adding every
// manifest, recipe and blob id it finds to the corresponding set. A
// superposition entry's variants are walked the same way its resolved
// leaf-kind counterparts would be.
func collectReachable(objects *store.Store, root types.ObjectId, manifests, recipes, blobs map[types.ObjectId]bool) error {
	stack := []types.ObjectId{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if manifests[id] {
			continue
		}
		manifests[id] = true

		m, err := objects.GetManifest(id)
		if err != nil {
			return err
		}
		for _, e := range m.Entries {
			switch e.Kind {
			case types.KindFile:
				blobs[e.Blob] = true
			case types.KindFileChunks:
				if err := collectRecipe(objects, e.Recipe, recipes, blobs); err != nil {
					return err
				}
			case types.KindDir:
				if !manifests[e.DirManifest] {
					stack = append(stack, e.DirManifest)
				}
			case types.KindSuperposition:
				for _, v := range e.Variants {
					switch v.Kind {
					case types.KindFile:
						blobs[v.Blob] = true
					case types.KindFileChunks:
						if err := collectRecipe(objects, v.Recipe, recipes, blobs); err != nil {
							return err
						}
					case types.KindDir:
						if !manifests[v.DirManifest] {
							stack = append(stack, v.DirManifest)
						}
					}
				}
			}
		}
	}
	return nil
}

func collectRecipe(objects *store.Store, id types.ObjectId, recipes, blobs map[types.ObjectId]bool) error {
	if recipes[id] {
		return nil
	}
	recipes[id] = true
	recipe, err := objects.GetRecipe(id)
	if err != nil {
		return err
	}
	for _, c := range recipe.Chunks {
		blobs[c.Blob] = true
	}
	return nil
}

// sweepIDs lists every object of one kind, deletes those absent from
// retained (a nil retained set means "nothing is retained: sweep all"),
// and returns the count it did (or, in dry-run mode, would) delete.
func sweepIDs(list func() ([]types.ObjectId, error), retained map[types.ObjectId]bool, del func(types.ObjectId) error, dryRun bool) (int, error) {
	ids, err := list()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if retained != nil && retained[id] {
			continue
		}
		n++
		if !dryRun {
			if err := del(id); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// pruneReleases groups releases by channel and keeps only the keepLast
// most recent (by ReleasedAt) per channel. keepLast <= 0 keeps everything.
func pruneReleases(releases []types.Release, keepLast int) (kept []types.Release, dropped []types.Release) {
	if keepLast <= 0 {
		return releases, nil
	}
	byChannel := map[string][]types.Release{}
	for _, r := range releases {
		byChannel[r.Channel] = append(byChannel[r.Channel], r)
	}
	channels := make([]string, 0, len(byChannel))
	for c := range byChannel {
		channels = append(channels, c)
	}
	sort.Strings(channels)
	for _, c := range channels {
		rs := byChannel[c]
		sort.Slice(rs, func(i, j int) bool { return rs[i].ReleasedAt > rs[j].ReleasedAt })
		if len(rs) > keepLast {
			kept = append(kept, rs[:keepLast]...)
			dropped = append(dropped, rs[keepLast:]...)
		} else {
			kept = append(kept, rs...)
		}
	}
	return kept, dropped
}
