package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/meshrelay/pkg/api"
	"github.com/ZentaChain/meshrelay/pkg/config"
	"github.com/ZentaChain/meshrelay/pkg/crypto"
	"github.com/ZentaChain/meshrelay/pkg/handshake"
	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/metrics"
	"github.com/ZentaChain/meshrelay/pkg/network"
	"github.com/ZentaChain/meshrelay/pkg/storage"
	"github.com/ZentaChain/meshrelay/pkg/trust"
)

const heartbeatInterval = 5 * time.Minute

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Mesh relay node",
		Long: `Runs one node of the relay mesh. The node accepts framed messages,
forwards them along their explicit route and answers requests addressed to it
after an authenticated handshake.`,
		Example: `  # Start a node
  relay --config node-a.toml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "relay.toml",
		"path to the node configuration file (TOML format)")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	if cfg.Node == nil {
		return fmt.Errorf("config file '%v' has no Node section", configFile)
	}

	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	defer backend.Close()
	logger := backend.GetLogger("main")

	identity, err := loadIdentity(cfg.Node)
	if err != nil {
		return err
	}
	metrics.Init()

	var inbox *storage.Inbox
	var dispatcherInbox network.Inbox
	if cfg.Storage.InboxPath != "" {
		inbox, err = storage.NewInbox(cfg.Storage.InboxPath, storage.DefaultTTL, backend.GetLogger("inbox"))
		if err != nil {
			return fmt.Errorf("failed to open inbox: %v", err)
		}
		defer inbox.Close()
		dispatcherInbox = inbox
		logger.Noticef("Inbox initialized at %s", cfg.Storage.InboxPath)
	}

	dir := cfg.StaticDirectory()
	relay, err := network.NewRelayServer(network.ServerConfig{
		Identity:      identity,
		Directory:     dir,
		ListenAddress: cfg.Node.Address,
		Handler:       network.NewDispatcher(cfg.Node.Name, dispatcherInbox, backend.GetLogger("app")),
		MaxPacketSize: cfg.Node.MaxPacketSize,
		IdleTimeout:   cfg.IdleTimeout(),
	}, backend)
	if err != nil {
		return fmt.Errorf("failed to create relay server: %v", err)
	}
	var relayed atomic.Uint64
	relay.OnMessageRelayed = func() { relayed.Add(1) }
	if err := relay.Start(); err != nil {
		return fmt.Errorf("failed to start relay server: %v", err)
	}
	defer relay.Stop()

	var apiServer *api.Server
	if cfg.API.Address != "" {
		verifier := trust.NewClient(cfg.Authority.Address)
		verifier.Timeout = time.Duration(cfg.Authority.Timeout) * time.Millisecond
		client := network.NewClient(dir, verifier, backend)
		client.Timeout = time.Duration(cfg.Client.Timeout) * time.Millisecond
		client.MaxPacketSize = cfg.Node.MaxPacketSize

		apiCfg := api.DefaultConfig()
		apiCfg.Address = cfg.API.Address
		svc := api.Services{
			Node:   cfg.Node.Name,
			Relay:  relay,
			Graph:  cfg.Graph(),
			Sender: client,
		}
		if inbox != nil {
			svc.Inbox = inbox
		}
		apiServer, err = api.NewServer(svc, apiCfg, backend)
		if err != nil {
			return fmt.Errorf("failed to create API server: %v", err)
		}
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %v", err)
		}
		defer apiServer.Stop()
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	logger.Noticef("Node %s is up", relay.Name())
	for {
		select {
		case <-haltCh:
			logger.Notice("Shutting down")
			return nil
		case <-rotateCh:
			if err := backend.Rotate(); err != nil {
				logger.Errorf("Failed to rotate log: %v", err)
			}
		case <-ticker.C:
			stats := relay.GetStats()
			logger.Infof("Heartbeat: uptime %v, %d relayed, %d inbound, %d peers, %d sessions",
				stats.Uptime, relayed.Load(), stats.Connections, len(stats.Peers), len(stats.Sessions))
		}
	}
}

func loadIdentity(nCfg *config.Node) (handshake.Identity, error) {
	key, err := crypto.LoadPrivateKeyFile(nCfg.PrivateKeyFile)
	if err != nil {
		return handshake.Identity{}, fmt.Errorf("failed to load private key '%v': %v", nCfg.PrivateKeyFile, err)
	}
	certPEM, err := os.ReadFile(nCfg.CertificateFile)
	if err != nil {
		return handshake.Identity{}, fmt.Errorf("failed to load certificate '%v': %v", nCfg.CertificateFile, err)
	}
	return handshake.Identity{
		Name:           nCfg.Name,
		CertificatePEM: string(certPEM),
		PrivateKey:     key,
	}, nil
}
