package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/convergence/pkg/types"
)

// objectID is a thin cast for CLI args naming content-addressed ids.
func objectID(s string) types.ObjectId {
	return types.ObjectId(s)
}

// loadResolutionFlag reads the --resolution flag, if set, as a JSON
// resolution file for commands that materialize snaps with superpositions.
func loadResolutionFlag(cmd *cobra.Command) (*types.Resolution, error) {
	path, _ := cmd.Flags().GetString("resolution")
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res types.Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
