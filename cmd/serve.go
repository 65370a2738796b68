package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lansend/internal/consent"
	"lansend/internal/discovery"
	"lansend/internal/httpplane"
	"lansend/internal/identity"
	"lansend/internal/peer"
	"lansend/internal/session"
	"lansend/internal/wire"
)

var (
	servePort        int
	serveDownloadDir string
	serveAlias       string
	serveHeadless    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Announce this agent and accept incoming transfers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP control/data plane port (0 = OS-chosen)")
	serveCmd.Flags().StringVar(&serveDownloadDir, "download-dir", "./downloads_lansend", "directory accepted files are written to")
	serveCmd.Flags().StringVar(&serveAlias, "alias", "", "display name advertised to peers (default: hostname)")
	serveCmd.Flags().BoolVar(&serveHeadless, "headless", false, "auto-accept every incoming transfer instead of prompting")
	rootCmd.AddCommand(serveCmd)
}

func runServe(c *cobra.Command, args []string) error {
	alias := serveAlias
	if alias == "" {
		if h, err := os.Hostname(); err == nil {
			alias = h
		} else {
			alias = "lansend"
		}
	}
	deviceType := wire.DeviceTypeDesktop
	if serveHeadless {
		deviceType = wire.DeviceTypeHeadless
	}

	deviceModel, _ := os.Hostname()
	idStore := identity.New(alias, deviceModel, deviceType)
	idStore.SetDownloadable(true)

	registry := peer.New(idStore.Fingerprint(), peer.DefaultTimeout)
	defer registry.Close()

	store := session.New()
	var provider consent.Provider
	if serveHeadless {
		provider = consent.AutoAcceptProvider{}
	} else {
		provider = consent.NewCLIPromptProvider(os.Stdin, os.Stdout)
	}
	coordinator := session.NewCoordinator(store, provider, serveDownloadDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator.Start(ctx)
	defer coordinator.Stop()

	engine, err := discovery.New(discovery.DefaultPort, idStore, registry)
	if err != nil {
		return fmt.Errorf("serve: starting discovery: %w", err)
	}
	go engine.Run(ctx)

	fmt.Printf("lansend serving as %q (fingerprint %s), downloads -> %s\n", alias, idStore.Fingerprint(), serveDownloadDir)

	server := httpplane.NewServer(fmt.Sprintf(":%d", servePort), idStore, registry, coordinator)
	return server.ListenAndServe(ctx)
}
