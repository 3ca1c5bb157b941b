package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/convergence/pkg/diff"
	"github.com/cuemby/convergence/pkg/manifestbuild"
	"github.com/cuemby/convergence/pkg/materialize"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a Convergence workspace in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")
		repoID, _ := cmd.Flags().GetString("repo")
		token, _ := cmd.Flags().GetString("token")
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		w, err := workspace.Init(cwd, workspace.Config{
			RemoteURL: remote,
			RepoID:    repoID,
			Token:     token,
			ClientID:  newClientID(),
		})
		if err != nil {
			return err
		}
		defer w.Close()
		fmt.Printf("initialized workspace at %s\n", w.Dir)
		return nil
	},
}

func init() {
	initCmd.Flags().String("remote", "", "Remote server URL")
	initCmd.Flags().String("repo", "", "Repo id on the remote")
	initCmd.Flags().String("token", "", "Bearer token for the remote")
}

// buildOptions resolves chunking options from the workspace config,
// falling back to the defaults for unset fields.
func buildOptions(w *workspace.Workspace) manifestbuild.Options {
	opts := manifestbuild.DefaultOptions()
	if w.Config.ChunkThresholdBytes > 0 {
		opts.ThresholdBytes = w.Config.ChunkThresholdBytes
	}
	if w.Config.ChunkSizeBytes > 0 {
		opts.ChunkSizeBytes = w.Config.ChunkSizeBytes
	}
	return opts
}

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Build a snap of the working tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()

		msg, _ := cmd.Flags().GetString("message")
		var message *string
		if msg != "" {
			message = &msg
		}

		objects, err := store.Open(w.ObjectsDir())
		if err != nil {
			return err
		}
		rec, err := manifestbuild.Build(objects, w.Root, buildOptions(w), message)
		if err != nil {
			return err
		}
		if err := w.RecordLocalSnap(rec); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(rec)
		}
		fmt.Printf("%s  %d files, %d dirs, %d bytes\n", rec.ID, rec.Stats.Files, rec.Stats.Dirs, rec.Stats.Bytes)
		return nil
	},
}

func init() {
	snapCmd.Flags().StringP("message", "m", "", "Snap message")
}

var snapsCmd = &cobra.Command{
	Use:   "snaps",
	Short: "List locally recorded snaps",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		hist, err := w.LocalSnapHistory(limit)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(hist)
		}
		for _, rec := range hist {
			msg := ""
			if rec.Message != nil {
				msg = *rec.Message
			}
			fmt.Printf("%s  %s  %s\n", rec.ID, rec.CreatedAt, msg)
		}
		return nil
	},
}

func init() {
	snapsCmd.Flags().Int("limit", 20, "Maximum number of snaps to list")
}

var showCmd = &cobra.Command{
	Use:   "show SNAP_ID",
	Short: "Show a snap's recorded metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		objects, err := store.Open(w.ObjectsDir())
		if err != nil {
			return err
		}
		rec, err := objects.GetSnap(objectID(args[0]))
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(rec)
		}
		fmt.Printf("id:            %s\n", rec.ID)
		fmt.Printf("created_at:    %s\n", rec.CreatedAt)
		fmt.Printf("root_manifest: %s\n", rec.RootManifest)
		if rec.Message != nil {
			fmt.Printf("message:       %s\n", *rec.Message)
		}
		fmt.Printf("stats:         %d files, %d dirs, %d symlinks, %d bytes\n",
			rec.Stats.Files, rec.Stats.Dirs, rec.Stats.Symlinks, rec.Stats.Bytes)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore SNAP_ID",
	Short: "Materialize a snap into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		dest, _ := cmd.Flags().GetString("dest")
		force, _ := cmd.Flags().GetBool("force")
		if dest == "" {
			dest = w.Root
		}

		objects, err := store.Open(w.ObjectsDir())
		if err != nil {
			return err
		}
		rec, err := objects.GetSnap(objectID(args[0]))
		if err != nil {
			return err
		}
		resolution, err := loadResolutionFlag(cmd)
		if err != nil {
			return err
		}
		if err := materialize.Materialize(objects, rec.RootManifest, dest, materialize.Options{Force: force, Resolution: resolution}); err != nil {
			return err
		}
		fmt.Printf("restored %s to %s\n", rec.ID, dest)
		return nil
	},
}

func init() {
	restoreCmd.Flags().String("dest", "", "Destination directory (default: workspace root)")
	restoreCmd.Flags().Bool("force", false, "Remove conflicting existing contents")
	restoreCmd.Flags().String("resolution", "", "Path to a resolution JSON file, required if the snap has unresolved superpositions")
}

var diffCmd = &cobra.Command{
	Use:   "diff FROM_SNAP TO_SNAP",
	Short: "Diff two snaps",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		objects, err := store.Open(w.ObjectsDir())
		if err != nil {
			return err
		}
		from, err := objects.GetSnap(objectID(args[0]))
		if err != nil {
			return err
		}
		to, err := objects.GetSnap(objectID(args[1]))
		if err != nil {
			return err
		}
		lines, err := diff.Diff(objects, from.RootManifest, to.RootManifest)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(lines)
		}
		for _, l := range lines {
			switch l.Status {
			case diff.StatusRenamed:
				mod := ""
				if l.Modified {
					mod = " (modified)"
				}
				fmt.Printf("R  %s -> %s%s\n", l.From, l.Path, mod)
			default:
				fmt.Printf("%s  %s\n", statusLetter(l.Status), l.Path)
			}
		}
		return nil
	},
}

func statusLetter(s diff.Status) string {
	switch s {
	case diff.StatusAdded:
		return "A"
	case diff.StatusDeleted:
		return "D"
	case diff.StatusModified:
		return "M"
	default:
		return "?"
	}
}

var mvCmd = &cobra.Command{
	Use:   "mv SRC DST",
	Short: "Move or rename a working-tree path",
	Long: `mv is a thin wrapper over a working-tree rename: Convergence has no
index to update, so the next snap's diff against the prior one picks up
the rename through pkg/diff's rename detection.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return os.Rename(args[0], args[1])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show working-tree changes against the last local snap",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()

		hist, err := w.LocalSnapHistory(1)
		if err != nil {
			return err
		}
		objects, err := store.Open(w.ObjectsDir())
		if err != nil {
			return err
		}
		currentRoot, err := manifestbuild.BuildManifestOnly(objects, w.Root, buildOptions(w))
		if err != nil {
			return err
		}
		if len(hist) == 0 {
			fmt.Println("no prior snap recorded; everything is new")
			return nil
		}
		lines, err := diff.Diff(objects, hist[0].RootManifest, currentRoot)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(lines)
		}
		if len(lines) == 0 {
			fmt.Println("clean: no changes since last snap")
			return nil
		}
		for _, l := range lines {
			fmt.Printf("%s  %s\n", statusLetter(l.Status), l.Path)
		}
		return nil
	},
}
