package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vklachkov/glashatay/internal/admin"
	"github.com/vklachkov/glashatay/internal/config"
	"github.com/vklachkov/glashatay/internal/pair"
)

const cliTokenTTL = 5 * time.Minute

var (
	pairInterval string
	pairChatID   int64
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Manage forwarding pairs of a running service",
}

var pairAddCmd = &cobra.Command{
	Use:   "add <source> --chat <chat-id>",
	Short: "Forward a VK wall or feed URL into a chat",
	Example: "  glashatay pair add apiclub --chat -1001234567890 --interval 5m\n" +
		"  glashatay pair add https://example.com/feed.xml --chat=-1001234567890",
	Args: cobra.ExactArgs(1),
	RunE: pairAddAction,
}

var pairListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pairs and their checkpoints",
	Args:  cobra.NoArgs,
	RunE:  pairListAction,
}

var pairDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Stop forwarding and remove a pair",
	Args:  cobra.ExactArgs(1),
	RunE:  pairDeleteAction,
}

func init() {
	pairAddCmd.Flags().Int64Var(&pairChatID, "chat", 0, "destination chat id, negative for channels and groups")
	pairAddCmd.Flags().StringVar(&pairInterval, "interval", "", "poll interval (default from poller.default_interval)")
	_ = pairAddCmd.MarkFlagRequired("chat")
	pairCmd.AddCommand(pairAddCmd, pairListCmd, pairDeleteCmd)
	rootCmd.AddCommand(pairCmd)
}

// adminClient builds an API client for the configured service, minting a
// short-lived token when auth is enabled.
func adminClient() (*admin.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var token string
	if cfg.Admin.JWTSecret != "" {
		token, err = admin.MintToken([]byte(cfg.Admin.JWTSecret), "cli", cliTokenTTL)
		if err != nil {
			return nil, err
		}
	}
	return admin.NewClient(cfg.Admin.URL, token, nil), nil
}

func pairAddAction(cmd *cobra.Command, args []string) error {
	chatID := pairChatID
	if chatID == 0 {
		return errors.New("--chat must be a non-zero chat id")
	}
	if pairInterval != "" {
		if _, err := time.ParseDuration(pairInterval); err != nil {
			return fmt.Errorf("parse --interval: %w", err)
		}
	}

	client, err := adminClient()
	if err != nil {
		return err
	}

	id, err := client.CreatePair(cmd.Context(), admin.CreatePairRequest{
		Source:        args[0],
		DestinationID: chatID,
		PollInterval:  pairInterval,
	})
	if err != nil {
		return fmt.Errorf("add pair: %w", err)
	}
	fmt.Printf("Added pair %d: %s -> %d\n", id, args[0], chatID)
	return nil
}

func pairListAction(cmd *cobra.Command, _ []string) error {
	client, err := adminClient()
	if err != nil {
		return err
	}

	pairs, err := client.ListPairs(cmd.Context())
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}
	printPairs(os.Stdout, pairs, time.Now())
	return nil
}

func pairDeleteAction(cmd *cobra.Command, args []string) error {
	id, err := pair.ParseID(args[0])
	if err != nil {
		return err
	}

	client, err := adminClient()
	if err != nil {
		return err
	}

	if err := client.DeletePair(cmd.Context(), id); err != nil {
		if errors.Is(err, pair.ErrNotFound) {
			return fmt.Errorf("pair %s not found", id)
		}
		return fmt.Errorf("delete pair: %w", err)
	}
	fmt.Printf("Deleted pair %s\n", id)
	return nil
}

func printPairs(w io.Writer, pairs []admin.PairView, now time.Time) {
	if len(pairs) == 0 {
		fmt.Fprintln(w, "No pairs configured. Add one with 'glashatay pair add'.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tCHAT\tINTERVAL\tLAST POLL\tLAST DELIVERED")
	for _, p := range pairs {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
			p.ID, p.Source, p.DestinationID, p.PollInterval,
			relTime(p.LastPollAt, now, "never"),
			relTime(p.LastDeliveredAt, now, "pending bootstrap"),
		)
	}
	_ = tw.Flush()
}

func relTime(t *time.Time, now time.Time, unset string) string {
	if t == nil {
		return unset
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}
