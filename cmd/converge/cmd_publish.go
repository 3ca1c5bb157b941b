package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/convergence/pkg/client"
	"github.com/cuemby/convergence/pkg/materialize"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

var publishCmd = &cobra.Command{
	Use:   "publish SNAP_ID SCOPE GATE",
	Short: "Upload a local snap's missing objects and publish it to a scope/gate",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()

		objects, err := store.Open(w.ObjectsDir())
		if err != nil {
			return err
		}
		snap, err := objects.GetSnap(objectID(args[0]))
		if err != nil {
			return err
		}
		metadataOnly, _ := cmd.Flags().GetBool("metadata-only")
		resolution, err := loadResolutionFlag(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		pub, err := client.Publish(ctx, c, objects, client.PublishInput{
			RepoID:       w.Config.RepoID,
			Snap:         snap,
			Scope:        args[1],
			Gate:         args[2],
			MetadataOnly: metadataOnly,
			Resolution:   resolution,
		})
		if err != nil {
			return err
		}
		fmt.Printf("published %s to %s/%s as publication %s\n", snap.ID, args[1], args[2], pub.ID)
		return nil
	},
}

func init() {
	publishCmd.Flags().Bool("metadata-only", false, "Publish the manifest tree and recipes without blob content")
	publishCmd.Flags().String("resolution", "", "Path to a resolution JSON file for a superposed manifest")
}

var syncCmd = &cobra.Command{
	Use:   "sync LANE_ID",
	Short: "Advance a lane's recorded head to the last local snap and push it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()

		hist, err := w.LocalSnapHistory(1)
		if err != nil {
			return err
		}
		if len(hist) == 0 {
			return fmt.Errorf("no local snap to sync; run `converge snap` first")
		}
		laneID := args[0]
		ctx := context.Background()
		if err := c.UpdateLaneHead(ctx, w.Config.RepoID, laneID, w.Config.ClientID, hist[0].ID, w.Config.ClientID); err != nil {
			return err
		}
		lane, err := c.GetLane(ctx, w.Config.RepoID, laneID)
		if err != nil {
			return err
		}
		if head, ok := lane.Heads[w.Config.ClientID]; ok {
			_ = w.CacheLaneHead(laneID, w.Config.ClientID, head)
		}
		fmt.Printf("lane %s head advanced to %s\n", laneID, hist[0].ID)
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch SNAP_ID",
	Short: "Download a snap's manifest tree from the server and materialize it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()

		ctx := context.Background()
		rec, err := c.GetSnap(ctx, w.Config.RepoID, objectID(args[0]))
		if err != nil {
			return err
		}

		objects, err := store.Open(w.ObjectsDir())
		if err != nil {
			return err
		}
		if err := fetchManifestTree(ctx, c, objects, w.Config.RepoID, rec.RootManifest); err != nil {
			return err
		}
		if _, err := objects.PutSnap(rec); err != nil {
			return err
		}

		dest, _ := cmd.Flags().GetString("dest")
		if dest == "" {
			dest = w.Root
		}
		force, _ := cmd.Flags().GetBool("force")
		resolution, err := loadResolutionFlag(cmd)
		if err != nil {
			return err
		}
		if err := materialize.Materialize(objects, rec.RootManifest, dest, materialize.Options{Force: force, Resolution: resolution}); err != nil {
			return err
		}
		if err := w.RecordLocalSnap(rec); err != nil {
			return err
		}
		fmt.Printf("fetched and restored %s to %s\n", rec.ID, dest)
		return nil
	},
}

func init() {
	fetchCmd.Flags().String("dest", "", "Destination directory (default: workspace root)")
	fetchCmd.Flags().Bool("force", false, "Remove conflicting existing contents")
	fetchCmd.Flags().String("resolution", "", "Path to a resolution JSON file, required if the snap has unresolved superpositions")
}

// fetchManifestTree walks a manifest tree depth-first, downloading every
// manifest, recipe, and blob it references that isn't already present in
// the local store. It mirrors pkg/client's collectObjectIDs walk, fetching
// from the server instead of reading a local store that already has them.
func fetchManifestTree(ctx context.Context, c *client.Client, local *store.Store, repoID string, root types.ObjectId) error {
	if has, err := local.HasManifest(root); err != nil {
		return err
	} else if has {
		return nil
	}
	m, err := c.GetManifest(ctx, repoID, root)
	if err != nil {
		return err
	}
	if _, err := local.PutManifest(m); err != nil {
		return err
	}
	for _, e := range m.Entries {
		switch e.Kind {
		case types.KindFile:
			if err := fetchBlob(ctx, c, local, repoID, e.Blob); err != nil {
				return err
			}
		case types.KindFileChunks:
			if err := fetchRecipe(ctx, c, local, repoID, e.Recipe); err != nil {
				return err
			}
		case types.KindDir:
			if err := fetchManifestTree(ctx, c, local, repoID, e.DirManifest); err != nil {
				return err
			}
		case types.KindSuperposition:
			for _, v := range e.Variants {
				switch v.Kind {
				case types.KindFile:
					if err := fetchBlob(ctx, c, local, repoID, v.Blob); err != nil {
						return err
					}
				case types.KindFileChunks:
					if err := fetchRecipe(ctx, c, local, repoID, v.Recipe); err != nil {
						return err
					}
				case types.KindDir:
					if err := fetchManifestTree(ctx, c, local, repoID, v.DirManifest); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func fetchRecipe(ctx context.Context, c *client.Client, local *store.Store, repoID string, id types.ObjectId) error {
	if has, err := local.HasRecipe(id); err != nil {
		return err
	} else if has {
		return nil
	}
	rec, err := c.GetRecipe(ctx, repoID, id)
	if err != nil {
		return err
	}
	if _, err := local.PutRecipe(rec); err != nil {
		return err
	}
	for _, ch := range rec.Chunks {
		if err := fetchBlob(ctx, c, local, repoID, ch.Blob); err != nil {
			return err
		}
	}
	return nil
}

func fetchBlob(ctx context.Context, c *client.Client, local *store.Store, repoID string, id types.ObjectId) error {
	if has, err := local.HasBlob(id); err != nil {
		return err
	} else if has {
		return nil
	}
	data, err := c.GetBlob(ctx, repoID, id)
	if err != nil {
		return err
	}
	_, err = local.PutBlob(data)
	return err
}

var bundleCmd = &cobra.Command{
	Use:   "bundle SCOPE GATE PUBLICATION_ID...",
	Short: "Create a bundle from one or more publications at a scope/gate",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		b, err := c.CreateBundle(context.Background(), w.Config.RepoID, args[0], args[1], args[2:])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(b)
		}
		fmt.Printf("bundle %s  promotable=%v\n", b.ID, b.Promotable)
		for _, r := range b.Reasons {
			fmt.Printf("  - %s\n", r)
		}
		return nil
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote BUNDLE_ID TO_GATE",
	Short: "Promote a bundle to a gate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		p, err := c.Promote(context.Background(), w.Config.RepoID, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("promoted %s: %s -> %s\n", p.BundleID, p.FromGate, p.ToGate)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release CHANNEL BUNDLE_ID",
	Short: "Release a bundle on a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		notes, _ := cmd.Flags().GetString("notes")
		var notesPtr *string
		if notes != "" {
			notesPtr = &notes
		}
		rel, err := c.Release(context.Background(), w.Config.RepoID, args[0], args[1], notesPtr)
		if err != nil {
			return err
		}
		fmt.Printf("released %s on channel %s (gate %s)\n", rel.BundleID, rel.Channel, rel.Gate)
		return nil
	},
}

func init() {
	releaseCmd.Flags().String("notes", "", "Release notes")
}

var approveCmd = &cobra.Command{
	Use:   "approve BUNDLE_ID",
	Short: "Record an approval for a bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		b, err := c.Approve(context.Background(), w.Config.RepoID, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("bundle %s now has %d approval(s)\n", b.ID, len(b.Approvals))
		return nil
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin BUNDLE_ID",
	Short: "Pin a bundle, exempting it from garbage collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		unpin, _ := cmd.Flags().GetBool("unpin")
		if unpin {
			if err := c.Unpin(context.Background(), w.Config.RepoID, args[0]); err != nil {
				return err
			}
			fmt.Printf("unpinned %s\n", args[0])
			return nil
		}
		if err := c.Pin(context.Background(), w.Config.RepoID, args[0]); err != nil {
			return err
		}
		fmt.Printf("pinned %s\n", args[0])
		return nil
	},
}

func init() {
	pinCmd.Flags().Bool("unpin", false, "Unpin instead of pin")
}

var pinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "List pinned bundles",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		repo, err := c.GetRepo(context.Background(), w.Config.RepoID)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(repo.PinnedBundles)
		}
		fmt.Println(strings.Join(repo.PinnedBundles, "\n"))
		return nil
	},
}
