package client

import (
	"context"

	"github.com/cuemby/convergence/pkg/canon"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

// collectObjectIDs walks the manifest tree rooted at root in the local
// store, gathering every manifest/recipe/blob id it transitively
// references. It mirrors pkg/gc's reachability walk, run here against a
// client's local store rather than the server's, to build the publish
// plan's candidate id set.
func collectObjectIDs(local *store.Store, root types.ObjectId, manifests, recipes, blobs map[types.ObjectId]bool) error {
	stack := []types.ObjectId{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if manifests[id] {
			continue
		}
		manifests[id] = true

		m, err := local.GetManifest(id)
		if err != nil {
			return err
		}
		for _, e := range m.Entries {
			switch e.Kind {
			case types.KindFile:
				blobs[e.Blob] = true
			case types.KindFileChunks:
				if err := collectRecipeIDs(local, e.Recipe, recipes, blobs); err != nil {
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
						if err := collectRecipeIDs(local, v.Recipe, recipes, blobs); err != nil {
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

func collectRecipeIDs(local *store.Store, id types.ObjectId, recipes, blobs map[types.ObjectId]bool) error {
	if recipes[id] {
		return nil
	}
	recipes[id] = true
	rec, err := local.GetRecipe(id)
	if err != nil {
		return err
	}
	for _, c := range rec.Chunks {
		blobs[c.Blob] = true
	}
	return nil
}

func toIDSlice(set map[types.ObjectId]bool) []types.ObjectId {
	out := make([]types.ObjectId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// PublishInput names the local snap and destination a Publish call
// uploads and registers.
type PublishInput struct {
	RepoID       string
	Snap         *types.SnapRecord
	Scope        string
	Gate         string
	MetadataOnly bool
	Resolution   *types.Resolution
}

// Publish implements the two-phase upload plan: it walks
// snap.RootManifest in the local store, asks the server which of those
// ids it's missing, uploads exactly those, uploads the snap object
// itself, then asserts the publication.
func Publish(ctx context.Context, c *Client, local *store.Store, in PublishInput) (*types.Publication, error) {
	manifests := map[types.ObjectId]bool{}
	recipes := map[types.ObjectId]bool{}
	blobs := map[types.ObjectId]bool{}

	if err := collectObjectIDs(local, in.Snap.RootManifest, manifests, recipes, blobs); err != nil {
		return nil, err
	}

	// A metadata-only publication still ships the structure (manifests
	// and recipes); only the blob bytes stay local.
	candidate := MissingRequest{
		Manifests: toIDSlice(manifests),
		Recipes:   toIDSlice(recipes),
	}
	if !in.MetadataOnly {
		candidate.Blobs = toIDSlice(blobs)
	}
	missing, err := c.Missing(ctx, in.RepoID, candidate)
	if err != nil {
		return nil, err
	}

	for _, id := range missing.Blobs {
		data, err := local.GetBlob(id)
		if err != nil {
			return nil, err
		}
		if err := c.PutBlob(ctx, in.RepoID, id, data); err != nil {
			return nil, err
		}
	}
	for _, id := range missing.Recipes {
		rec, err := local.GetRecipe(id)
		if err != nil {
			return nil, err
		}
		if err := c.PutRecipe(ctx, in.RepoID, id, rec); err != nil {
			return nil, err
		}
	}
	for _, id := range missing.Manifests {
		m, err := local.GetManifest(id)
		if err != nil {
			return nil, err
		}
		if err := c.PutManifest(ctx, in.RepoID, id, m); err != nil {
			return nil, err
		}
	}

	snapMissing, err := c.Missing(ctx, in.RepoID, MissingRequest{Snaps: []types.ObjectId{in.Snap.ID}})
	if err != nil {
		return nil, err
	}
	if len(snapMissing.Snaps) > 0 {
		if err := c.PutSnap(ctx, in.RepoID, in.Snap); err != nil {
			return nil, err
		}
	}

	if in.Resolution != nil {
		resID, _, err := canon.MarshalID(in.Resolution)
		if err != nil {
			return nil, err
		}
		if err := c.PutResolution(ctx, in.RepoID, resID, in.Resolution); err != nil {
			return nil, err
		}
	}

	return c.CreatePublication(ctx, in.RepoID, CreatePublicationRequest{
		SnapID:       in.Snap.ID,
		Scope:        in.Scope,
		Gate:         in.Gate,
		MetadataOnly: in.MetadataOnly,
		Resolution:   in.Resolution,
	})
}
