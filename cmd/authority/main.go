package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/meshrelay/pkg/config"
	"github.com/ZentaChain/meshrelay/pkg/crypto"
	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
	"github.com/ZentaChain/meshrelay/pkg/trust"
)

const (
	defaultCAValidity   = 10 * 365 * 24 * time.Hour
	defaultNodeValidity = 365 * 24 * time.Hour
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Mesh trust authority",
		Long: `The trust authority answers certificate verification queries from mesh
clients, checking node certificates against the root of trust. It also
creates the root and issues node certificates.`,
		Example: `  # Create the root of trust named in the config file
  authority init -f authority.toml

  # Issue a key pair and certificate for node A
  authority issue A --out keys/ -f authority.toml

  # Serve verification queries
  authority -f authority.toml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthority(configFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", "authority.toml",
		"path to the configuration file (TOML format)")

	cmd.AddCommand(newInitCommand(&configFile))
	cmd.AddCommand(newIssueCommand(&configFile))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(configFile string) (*config.Config, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	if cfg.Authority.RootCertificateFile == "" {
		return nil, errors.New("config: Authority: RootCertificateFile is not set")
	}
	return cfg, nil
}

func runAuthority(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	defer backend.Close()

	rootPEM, err := os.ReadFile(cfg.Authority.RootCertificateFile)
	if err != nil {
		return fmt.Errorf("failed to read root certificate: %v", err)
	}

	maxPacket := protocol.MaxPacketSize
	if cfg.Node != nil {
		maxPacket = cfg.Node.MaxPacketSize
	}
	authority, err := trust.NewAuthority(rootPEM, maxPacket, backend)
	if err != nil {
		return err
	}
	if err := authority.Start(cfg.Authority.Address); err != nil {
		return fmt.Errorf("failed to start authority: %v", err)
	}
	defer authority.Stop()

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh
	backend.GetLogger("main").Notice("Shutting down")
	return nil
}

func newInitCommand(configFile *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the root of trust",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			aCfg := cfg.Authority
			if aCfg.RootKeyFile == "" {
				return errors.New("config: Authority: RootKeyFile is not set")
			}
			if _, err := os.Stat(aCfg.RootCertificateFile); err == nil && !force {
				return fmt.Errorf("%v already exists, use --force to replace it", aCfg.RootCertificateFile)
			}

			key, err := crypto.GenerateRSAKeyPair(0)
			if err != nil {
				return err
			}
			ca, err := crypto.GenerateCA("meshrelay root", key, defaultCAValidity)
			if err != nil {
				return err
			}
			if err := writeFiles(map[string][]byte{
				aCfg.RootKeyFile:         crypto.ExportPrivateKeyPEM(key),
				aCfg.RootCertificateFile: ca.PEM,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Root certificate written to %s\n", aCfg.RootCertificateFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing root")
	return cmd
}

func newIssueCommand(configFile *string) *cobra.Command {
	var (
		outDir   string
		validity time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue NODE...",
		Short: "Generate node keys and issue their certificates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			certPEM, err := os.ReadFile(cfg.Authority.RootCertificateFile)
			if err != nil {
				return fmt.Errorf("failed to read root certificate: %v", err)
			}
			keyPEM, err := os.ReadFile(cfg.Authority.RootKeyFile)
			if err != nil {
				return fmt.Errorf("failed to read root key: %v", err)
			}
			ca, err := crypto.LoadCA(certPEM, keyPEM)
			if err != nil {
				return err
			}

			for _, node := range args {
				key, err := crypto.GenerateRSAKeyPair(0)
				if err != nil {
					return err
				}
				cert, err := ca.IssueNodeCertificate(node, &key.PublicKey, validity)
				if err != nil {
					return fmt.Errorf("failed to issue certificate for %v: %v", node, err)
				}
				keyFile := filepath.Join(outDir, node+".key")
				certFile := filepath.Join(outDir, node+".crt")
				if err := writeFiles(map[string][]byte{
					keyFile:  crypto.ExportPrivateKeyPEM(key),
					certFile: cert,
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", node, keyFile, certFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory the key and certificate files are written to")
	cmd.Flags().DurationVar(&validity, "validity", defaultNodeValidity, "certificate lifetime")
	return cmd
}

func writeFiles(files map[string][]byte) error {
	for name, data := range files {
		if err := os.MkdirAll(filepath.Dir(name), 0700); err != nil {
			return err
		}
		if err := crypto.SaveKeyToFile(name, data); err != nil {
			return err
		}
	}
	return nil
}
