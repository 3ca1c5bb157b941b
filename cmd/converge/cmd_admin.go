package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/convergence/pkg/client"
	"github.com/cuemby/convergence/pkg/types"
)

// --- repo members ---

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Manage repo readers and publishers",
}

func init() {
	membersCmd.AddCommand(membersAddReaderCmd)
	membersCmd.AddCommand(membersAddPublisherCmd)
}

var membersAddReaderCmd = &cobra.Command{
	Use:   "add-reader USER_ID",
	Short: "Grant read access to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		return c.AddReader(context.Background(), w.Config.RepoID, args[0])
	},
}

var membersAddPublisherCmd = &cobra.Command{
	Use:   "add-publisher USER_ID",
	Short: "Grant publish access to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		return c.AddPublisher(context.Background(), w.Config.RepoID, args[0])
	},
}

// --- lanes ---

var laneCmd = &cobra.Command{
	Use:   "lane",
	Short: "Manage collaboration lanes",
}

func init() {
	laneCmd.AddCommand(laneEnsureCmd)
	laneCmd.AddCommand(laneMembersCmd)
	laneCmd.AddCommand(laneShowCmd)
}

var laneEnsureCmd = &cobra.Command{
	Use:   "ensure LANE_ID [MEMBER...]",
	Short: "Create a lane if it doesn't already exist",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		return c.EnsureLane(context.Background(), w.Config.RepoID, args[0], args[1:])
	},
}

var laneMembersCmd = &cobra.Command{
	Use:   "add-member LANE_ID USER_ID",
	Short: "Add a member to a lane",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		return c.AddLaneMember(context.Background(), w.Config.RepoID, args[0], args[1])
	},
}

var laneShowCmd = &cobra.Command{
	Use:   "show LANE_ID",
	Short: "Show a lane's members and heads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		lane, err := c.GetLane(context.Background(), w.Config.RepoID, args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(lane)
		}
		fmt.Printf("members: %v\n", lane.Members)
		for user, head := range lane.Heads {
			fmt.Printf("  %s -> %s (updated %s)\n", user, head.SnapID, head.UpdatedAt)
		}
		return nil
	},
}

// --- gates ---

var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "Inspect and configure a repo's gate graph",
}

func init() {
	gatesCmd.AddCommand(gatesShowCmd)
	gatesCmd.AddCommand(gatesSetCmd)
	gatesCmd.AddCommand(gatesInitCmd)
}

var gatesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the repo's gate graph as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		graph, err := c.GetGateGraph(context.Background(), w.Config.RepoID)
		if err != nil {
			return err
		}
		return printJSON(graph)
	},
}

var gatesSetCmd = &cobra.Command{
	Use:   "set GRAPH_FILE",
	Short: "Replace the repo's gate graph from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var graph types.GateGraph
		if err := json.Unmarshal(data, &graph); err != nil {
			return err
		}
		return c.SetGateGraph(context.Background(), w.Config.RepoID, graph)
	},
}

var gatesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Install a starter gate graph (dev-intake -> rc)",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		graph := types.GateGraph{
			Version: types.GateGraphVersion,
			Gates: []types.GateDef{
				{
					ID:                  "dev-intake",
					Name:                "Development intake",
					AllowSuperpositions: true,
				},
				{
					ID:            "rc",
					Name:          "Release candidate",
					Upstream:      []string{"dev-intake"},
					AllowReleases: true,
				},
			},
		}
		if err := c.SetGateGraph(context.Background(), w.Config.RepoID, graph); err != nil {
			return err
		}
		fmt.Println("installed starter gate graph: dev-intake -> rc")
		return nil
	},
}

// --- users and tokens ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

func init() {
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)
}

var userCreateCmd = &cobra.Command{
	Use:   "create HANDLE",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, c, err := openClient()
		if err != nil {
			return err
		}
		admin, _ := cmd.Flags().GetBool("admin")
		user, err := c.CreateUser(context.Background(), args[0], admin)
		if err != nil {
			return err
		}
		fmt.Printf("created user %s (%s)\n", user.Handle, user.ID)
		return nil
	},
}

func init() {
	userCreateCmd.Flags().Bool("admin", false, "Grant the new user admin privileges")
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, c, err := openClient()
		if err != nil {
			return err
		}
		users, err := c.ListUsers(context.Background())
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Printf("%-36s  %-20s  admin=%v\n", u.ID, u.Handle, u.Admin)
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage access tokens",
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create USER_ID",
	Short: "Mint a new access token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, c, err := openClient()
		if err != nil {
			return err
		}
		label, _ := cmd.Flags().GetString("label")
		resp, err := c.CreateToken(context.Background(), args[0], label)
		if err != nil {
			return err
		}
		fmt.Printf("token: %s\n", resp.Secret)
		fmt.Printf("id:    %s\n", resp.Record.ID)
		return nil
	},
}

func init() {
	tokenCreateCmd.Flags().String("label", "", "Human-readable label for the token")
}

var tokenListCmd = &cobra.Command{
	Use:   "list USER_ID",
	Short: "List a user's tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, c, err := openClient()
		if err != nil {
			return err
		}
		tokens, err := c.ListTokens(context.Background(), args[0])
		if err != nil {
			return err
		}
		for _, t := range tokens {
			label := ""
			if t.Label != nil {
				label = *t.Label
			}
			revoked := ""
			if t.RevokedAt != nil {
				revoked = " (revoked)"
			}
			fmt.Printf("%-36s  %-20s%s\n", t.ID, label, revoked)
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN_ID",
	Short: "Revoke an access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, c, err := openClient()
		if err != nil {
			return err
		}
		return c.RevokeToken(context.Background(), args[0])
	},
}

// --- remote / session ---

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Inspect and manage the workspace's remote configuration",
}

func init() {
	remoteCmd.AddCommand(remoteShowCmd)
	remoteCmd.AddCommand(remoteSetCmd)
	remoteCmd.AddCommand(remoteCreateRepoCmd)
	remoteCmd.AddCommand(remotePurgeCmd)
}

var remoteShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the workspace's remote URL and repo id",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		fmt.Printf("remote: %s\n", w.Config.RemoteURL)
		fmt.Printf("repo:   %s\n", w.Config.RepoID)
		return nil
	},
}

var remoteSetCmd = &cobra.Command{
	Use:   "set URL REPO_ID",
	Short: "Point the workspace at a different remote/repo",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		w.Config.RemoteURL = args[0]
		w.Config.RepoID = args[1]
		return w.SaveConfig()
	},
}

var remoteCreateRepoCmd = &cobra.Command{
	Use:   "create-repo REPO_ID",
	Short: "Create a repo on the remote and point the workspace at it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		if err := c.CreateRepo(context.Background(), args[0]); err != nil {
			return err
		}
		w.Config.RepoID = args[0]
		return w.SaveConfig()
	},
}

var remotePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Run garbage collection on the remote repo",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, c, err := openClient()
		if err != nil {
			return err
		}
		defer w.Close()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		keepLast, _ := cmd.Flags().GetInt("keep-last-releases")
		report, err := c.GC(context.Background(), w.Config.RepoID, dryRun, !dryRun, keepLast)
		if err != nil {
			return err
		}
		fmt.Println(string(report))
		return nil
	},
}

func init() {
	remotePurgeCmd.Flags().Bool("dry-run", false, "Report what a purge would delete without deleting")
	remotePurgeCmd.Flags().Int("keep-last-releases", 0, "Keep only the N most recent releases per channel (0 = all)")
}

var loginCmd = &cobra.Command{
	Use:   "login HANDLE",
	Short: "Bootstrap the first admin user against a fresh remote and store the token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		secret, _ := cmd.Flags().GetString("bootstrap-secret")
		c := client.New(w.Config.RemoteURL, secret, client.Options{})
		resp, err := c.Bootstrap(context.Background(), args[0])
		if err != nil {
			return err
		}
		w.Config.Token = resp.Token
		if err := w.SaveConfig(); err != nil {
			return err
		}
		fmt.Printf("logged in as %s (%s)\n", resp.User.Handle, resp.User.ID)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("bootstrap-secret", "", "The server's bootstrap secret, required by POST /bootstrap")
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the workspace's stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWorkspace()
		if err != nil {
			return err
		}
		defer w.Close()
		w.Config.Token = ""
		return w.SaveConfig()
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity the workspace's token authenticates as",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, c, err := openClient()
		if err != nil {
			return err
		}
		who, err := c.Whoami(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(who)
		}
		fmt.Printf("%s (%s)  admin=%v\n", who.User.Handle, who.User.ID, who.Admin)
		return nil
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
