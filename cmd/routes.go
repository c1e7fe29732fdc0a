package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/laneway/internal/bus"
	"github.com/nextlevelbuilder/laneway/internal/config"
	"github.com/nextlevelbuilder/laneway/internal/routing"
)

func routesCmd() *cobra.Command {
	var channel, account, peer string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Show the binding table, optionally resolving a sample message",
		Example: "  laneway routes\n" +
			"  laneway routes --channel telegram --peer 386246614",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			var sample *bus.LaneMessage
			if channel != "" {
				sample = &bus.LaneMessage{
					ChannelID:      channel,
					RoutingContext: &bus.RoutingContext{AccountID: account, PeerID: peer},
				}
			}
			writeRoutes(cmd.OutOrStdout(), cfg, sample)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "resolve a sample message from this channel")
	cmd.Flags().StringVar(&account, "account", "", "sample account id")
	cmd.Flags().StringVar(&peer, "peer", "", "sample peer id")
	return cmd
}

func writeRoutes(w io.Writer, cfg *config.Config, sample *bus.LaneMessage) {
	resolver := routing.NewResolver()
	resolver.UpdateBindings(cfg.Bindings)

	bindings := resolver.Bindings()
	rows := make([][]string, 0, len(bindings))
	for i, b := range bindings {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			b.AgentID,
			matcherCell(b.Channel),
			matcherCell(b.AccountID),
			matcherCell(b.PeerID),
		})
	}
	printTable(w, []string{"#", "AGENT", "CHANNEL", "ACCOUNT", "PEER"}, rows)
	if cfg.DefaultAgent != "" {
		fmt.Fprintf(w, "\ndefault agent: %s\n", cfg.DefaultAgent)
	}

	if sample == nil {
		return
	}
	fmt.Fprintln(w)
	if agentID, ok := resolver.Resolve(sample); ok {
		fmt.Fprintf(w, "%s -> %s\n", sample.ChannelID, agentID)
	} else if cfg.DefaultAgent != "" {
		fmt.Fprintf(w, "%s -> %s (default)\n", sample.ChannelID, cfg.DefaultAgent)
	} else {
		fmt.Fprintf(w, "%s -> unroutable\n", sample.ChannelID)
	}
}

func matcherCell(m *routing.FieldMatcher) string {
	if m == nil {
		return "-"
	}
	return m.String() + " (" + m.Kind.String() + ")"
}
