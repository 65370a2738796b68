package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lansend/internal/discovery"
	"lansend/internal/identity"
	"lansend/internal/peer"
	"lansend/internal/wire"
)

var peersWait time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Listen for announcements and print a one-shot peer snapshot",
	RunE:  runPeers,
}

func init() {
	peersCmd.Flags().DurationVar(&peersWait, "wait", 3*time.Second, "how long to listen before printing the snapshot")
	rootCmd.AddCommand(peersCmd)
}

func runPeers(c *cobra.Command, args []string) error {
	idStore := identity.New("lansend-peers", "", wire.DeviceTypeHeadless)
	registry := peer.New(idStore.Fingerprint(), peer.DefaultTimeout)
	defer registry.Close()

	engine, err := discovery.New(discovery.DefaultPort, idStore, registry)
	if err != nil {
		return fmt.Errorf("peers: starting discovery: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), peersWait)
	defer cancel()
	engine.Run(ctx)

	snapshot := registry.Snapshot()
	if len(snapshot) == 0 {
		fmt.Println("no peers found")
		return nil
	}

	tw := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALIAS\tFINGERPRINT\tADDRESS")
	for _, rec := range snapshot {
		fmt.Fprintf(tw, "%s\t%s\t%s:%d\n", rec.Alias, rec.Fingerprint, rec.IP, rec.Port)
	}
	return tw.Flush()
}
