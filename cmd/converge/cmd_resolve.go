package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/convergence/pkg/materialize"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/superpose"
	"github.com/cuemby/convergence/pkg/types"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Inspect and resolve superpositions in a manifest tree",
}

func init() {
	resolveCmd.AddCommand(resolveShowCmd)
	resolveCmd.AddCommand(resolveInitCmd)
	resolveCmd.AddCommand(resolvePickCmd)
	resolveCmd.AddCommand(resolveClearCmd)
	resolveCmd.AddCommand(resolveValidateCmd)
	resolveCmd.AddCommand(resolveApplyCmd)
}

// resolutionFilePath is the conventional on-disk location for an
// in-progress resolution, relative to the workspace root.
const resolutionFilePath = ".converge/resolution.json"

func loadWorkingResolution(root string) (*types.Resolution, error) {
	data, err := os.ReadFile(root + "/" + resolutionFilePath)
	if os.IsNotExist(err) {
		return &types.Resolution{Version: types.ResolutionVersionIndex, Decisions: map[string]types.ResolutionDecision{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var res types.Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func saveWorkingResolution(root string, res *types.Resolution) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(root+"/"+resolutionFilePath, data, 0o644)
}

var resolveShowCmd = &cobra.Command{
	Use:   "show SNAP_ID",
	Short: "List paths with unresolved superpositions in a snap",
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
		variants, err := superpose.Variants(objects, rec.RootManifest)
		if err != nil {
			return err
		}
		if len(variants) == 0 {
			fmt.Println("no superpositions")
			return nil
		}
		for path, vs := range variants {
			fmt.Printf("%s  (%d variants)\n", path, len(vs))
			for i, v := range vs {
				fmt.Printf("  [%d] source=%s kind=%s\n", i, v.Source, v.Kind)
			}
		}
		return nil
	},
}

var resolveInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Start a fresh working resolution file",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		res := &types.Resolution{Version: types.ResolutionVersionIndex, Decisions: map[string]types.ResolutionDecision{}}
		return saveWorkingResolution(w.Root, res)
	},
}

var resolvePickCmd = &cobra.Command{
	Use:   "pick PATH INDEX",
	Short: "Record a by-index decision for a superposed path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		res, err := loadWorkingResolution(w.Root)
		if err != nil {
			return err
		}
		var idx int
		if _, err := fmt.Sscanf(args[1], "%d", &idx); err != nil {
			return fmt.Errorf("invalid index %q: %w", args[1], err)
		}
		res.Decisions[args[0]] = types.ResolutionDecision{Index: &idx}
		return saveWorkingResolution(w.Root, res)
	},
}

var resolveClearCmd = &cobra.Command{
	Use:   "clear PATH",
	Short: "Remove a path's decision from the working resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		res, err := loadWorkingResolution(w.Root)
		if err != nil {
			return err
		}
		delete(res.Decisions, args[0])
		return saveWorkingResolution(w.Root, res)
	},
}

var resolveValidateCmd = &cobra.Command{
	Use:   "validate SNAP_ID",
	Short: "Validate the working resolution against a snap's superpositions",
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
		res, err := loadWorkingResolution(w.Root)
		if err != nil {
			return err
		}
		report, err := superpose.ValidateResolution(objects, rec.RootManifest, res)
		if err != nil {
			return err
		}
		if report.OK() {
			fmt.Println("resolution is complete and valid")
			return nil
		}
		printValidationProblems("missing decisions", report.Missing)
		printValidationProblems("extraneous decisions", report.Extraneous)
		printValidationProblems("out-of-range indexes", report.OutOfRange)
		printValidationProblems("invalid keys", report.InvalidKeys)
		return fmt.Errorf("resolution is incomplete")
	},
}

func printValidationProblems(label string, paths []string) {
	if len(paths) == 0 {
		return
	}
	fmt.Printf("%s:\n", label)
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
}

var resolveApplyCmd = &cobra.Command{
	Use:   "apply SNAP_ID DEST",
	Short: "Apply the working resolution and materialize the result",
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
		rec, err := objects.GetSnap(objectID(args[0]))
		if err != nil {
			return err
		}
		res, err := loadWorkingResolution(w.Root)
		if err != nil {
			return err
		}
		resolved, err := superpose.Apply(objects, rec.RootManifest, res)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := materialize.Materialize(objects, resolved, args[1], materialize.Options{Force: force}); err != nil {
			return err
		}
		fmt.Printf("resolved manifest %s materialized to %s\n", resolved, args[1])
		return nil
	},
}

func init() {
	resolveApplyCmd.Flags().Bool("force", false, "Remove conflicting existing contents at DEST")
}
