package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lansend/internal/discovery"
	"lansend/internal/httpplane"
	"lansend/internal/identity"
	"lansend/internal/peer"
	"lansend/internal/wire"
)

var (
	sendTo   string
	sendWait time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Offer one or more files to a peer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "destination peer: fingerprint or ip:port (required)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 3*time.Second, "how long to listen for the fingerprint before giving up")
	sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}

func runSend(c *cobra.Command, args []string) error {
	baseURL, err := resolveDestination(sendTo, sendWait)
	if err != nil {
		return err
	}

	files := make(map[string]wire.FileMetadata, len(args))
	paths := make(map[string]string, len(args))
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		id := uuid.NewString()
		files[id] = wire.FileMetadata{ID: id, FileName: filepath.Base(path), Size: info.Size()}
		paths[id] = path
	}

	alias, _ := os.Hostname()
	// The sender CLI doesn't run its own HttpPlane server, so it has no
	// real reachable port; the placeholder below only needs to satisfy
	// wire.DeviceInfo.Validate's port-range check for the fingerprint the
	// receiver records against this offer.
	selfInfo := wire.DeviceInfo{
		Alias:       alias,
		Version:     wire.ProtocolVersion,
		Fingerprint: uuid.NewString(),
		Port:        1,
		Protocol:    wire.ProtocolHTTP,
	}
	offer := wire.TransferOffer{Info: selfInfo, Files: files}

	client := httpplane.NewClient()
	sessionID, accepted, err := client.RequestSend(context.Background(), baseURL, offer)
	if err != nil {
		return fmt.Errorf("send: request declined by transport error: %w", err)
	}
	if !accepted {
		fmt.Println("transfer declined by peer")
		return nil
	}

	for id, meta := range files {
		fmt.Printf("sending %s (%d bytes)\n", meta.FileName, meta.Size)
		if err := client.SendFile(context.Background(), baseURL, sessionID, id, paths[id], meta.Size, true); err != nil {
			return fmt.Errorf("send: %s: %w", meta.FileName, err)
		}
	}
	return nil
}

// resolveDestination accepts either a literal ip:port or a peer
// fingerprint, resolving the latter by listening for announcements for
// wait before giving up.
func resolveDestination(to string, wait time.Duration) (string, error) {
	if looksLikeHostPort(to) {
		return "http://" + to, nil
	}

	idStore := identity.New("lansend-send", "", wire.DeviceTypeHeadless)
	registry := peer.New(idStore.Fingerprint(), peer.DefaultTimeout)
	defer registry.Close()

	engine, err := discovery.New(discovery.DefaultPort, idStore, registry)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", to, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	engine.Run(ctx)

	for _, rec := range registry.Snapshot() {
		if strings.HasPrefix(rec.Fingerprint, to) {
			return fmt.Sprintf("%s://%s:%d", rec.Protocol, rec.IP, rec.Port), nil
		}
	}
	return "", fmt.Errorf("no peer with fingerprint prefix %q found within %s", to, wait)
}

func looksLikeHostPort(s string) bool {
	host, port, err := splitHostPortLoose(s)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if _, err := strconv.Atoi(port); err != nil {
		return false
	}
	return true
}

func splitHostPortLoose(s string) (host, port string, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("no colon in %q", s)
	}
	return s[:idx], s[idx+1:], nil
}
