// Package config provides the relay mesh configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/ZentaChain/meshrelay/pkg/graph"
	"github.com/ZentaChain/meshrelay/pkg/network"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

const (
	defaultLogLevel       = "NOTICE"
	defaultAuthority      = "127.0.0.1:9000"
	defaultRequestTimeout = 15000
	defaultVerifyTimeout  = 5000
	defaultIdleTimeout    = 0
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node is the local node configuration.
type Node struct {
	// Name is the node identifier used in routes.
	Name string

	// Address overrides the listen address taken from the directory.
	Address string

	// PrivateKeyFile and CertificateFile hold the PEM encoded node key
	// and the certificate the trust authority issued for it.
	PrivateKeyFile  string
	CertificateFile string

	// MaxPacketSize caps every physical write, in bytes.
	MaxPacketSize int

	// IdleTimeout closes inbound connections idle for this many
	// milliseconds. Zero disables it.
	IdleTimeout int
}

func (nCfg *Node) validate() error {
	if nCfg.Name == "" {
		return errors.New("config: Node: Name is not set")
	}
	if strings.ContainsAny(nCfg.Name, ",: \t") {
		return fmt.Errorf("config: Node: Name '%v' contains a reserved character", nCfg.Name)
	}
	if nCfg.Address != "" {
		addr, err := ParseAddress(nCfg.Address)
		if err != nil {
			return fmt.Errorf("config: Node: Address '%v' is invalid: %v", nCfg.Address, err)
		}
		nCfg.Address = addr
	}
	if nCfg.MaxPacketSize < 0 {
		return fmt.Errorf("config: Node: MaxPacketSize %v is invalid", nCfg.MaxPacketSize)
	}
	if nCfg.IdleTimeout < 0 {
		return fmt.Errorf("config: Node: IdleTimeout %v is invalid", nCfg.IdleTimeout)
	}
	return nil
}

func (nCfg *Node) applyDefaults() {
	if nCfg.MaxPacketSize == 0 {
		nCfg.MaxPacketSize = protocol.MaxPacketSize
	}
}

// Authority is the trust authority configuration.
type Authority struct {
	// Address is where the authority listens.
	Address string

	// RootCertificateFile is the PEM encoded root of trust.
	RootCertificateFile string

	// RootKeyFile is the root key, only needed to issue certificates.
	RootKeyFile string

	// Timeout bounds one verification in milliseconds.
	Timeout int
}

func (aCfg *Authority) validate() error {
	if aCfg.Address == "" {
		aCfg.Address = defaultAuthority
	}
	addr, err := ParseAddress(aCfg.Address)
	if err != nil {
		return fmt.Errorf("config: Authority: Address '%v' is invalid: %v", aCfg.Address, err)
	}
	aCfg.Address = addr
	if aCfg.Timeout < 0 {
		return fmt.Errorf("config: Authority: Timeout %v is invalid", aCfg.Timeout)
	}
	if aCfg.Timeout == 0 {
		aCfg.Timeout = defaultVerifyTimeout
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Topology lists the undirected links of the mesh as "A:B" pairs.
type Topology struct {
	Edges []string
}

// API is the optional HTTP status interface.
type API struct {
	// Address enables the status API when set.
	Address string
}

// Storage is the local persistence configuration.
type Storage struct {
	// InboxPath is the sqlite database chat messages are stored in.
	// Chat messages are only logged when it is empty.
	InboxPath string
}

// Client configures requests originated by this process.
type Client struct {
	// Timeout bounds one request, in milliseconds.
	Timeout int
}

// Config is the top level configuration.
type Config struct {
	Node      *Node
	Authority *Authority
	Logging   *Logging
	Topology  *Topology
	API       *API
	Storage   *Storage
	Client    *Client

	// Directory maps node names to addresses, either host:port or a
	// multiaddr such as /ip4/127.0.0.1/tcp/7000.
	Directory map[string]string
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Directory entries are normalized to host:port.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Authority == nil {
		cfg.Authority = &Authority{}
	}
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if cfg.Topology == nil {
		cfg.Topology = &Topology{}
	}
	if cfg.API == nil {
		cfg.API = &API{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Client == nil {
		cfg.Client = &Client{}
	}
	if cfg.Client.Timeout < 0 {
		return fmt.Errorf("config: Client: Timeout %v is invalid", cfg.Client.Timeout)
	}
	if cfg.Client.Timeout == 0 {
		cfg.Client.Timeout = defaultRequestTimeout
	}

	if cfg.Node != nil {
		if err := cfg.Node.validate(); err != nil {
			return err
		}
		cfg.Node.applyDefaults()
	}
	if err := cfg.Authority.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if cfg.API.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.API.Address); err != nil {
			return fmt.Errorf("config: API: Address '%v' is invalid: %v", cfg.API.Address, err)
		}
	}

	for name, v := range cfg.Directory {
		addr, err := ParseAddress(v)
		if err != nil {
			return fmt.Errorf("config: Directory: '%v' has invalid address '%v': %v", name, v, err)
		}
		cfg.Directory[name] = addr
	}

	if _, err := graph.FromPairs(cfg.Topology.Edges); err != nil {
		return fmt.Errorf("config: Topology: %w", err)
	}
	return nil
}

// StaticDirectory returns the configured node directory.
func (cfg *Config) StaticDirectory() network.StaticDirectory {
	dir := make(network.StaticDirectory, len(cfg.Directory))
	for k, v := range cfg.Directory {
		dir[k] = v
	}
	return dir
}

// Graph builds the route graph from the topology. Nodes listed in the
// directory without any edge are kept as isolated nodes.
func (cfg *Config) Graph() *graph.Graph {
	g, err := graph.FromPairs(cfg.Topology.Edges)
	if err != nil {
		// Validated by FixupAndValidate.
		panic(err)
	}
	for name := range cfg.Directory {
		g.AddNode(name)
	}
	return g
}

// IdleTimeout returns the inbound idle timeout of the local node.
func (cfg *Config) IdleTimeout() time.Duration {
	if cfg.Node == nil {
		return defaultIdleTimeout
	}
	return time.Duration(cfg.Node.IdleTimeout) * time.Millisecond
}

// ParseAddress normalizes a host:port or multiaddr string to host:port.
func ParseAddress(s string) (string, error) {
	if !strings.HasPrefix(s, "/") {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			return "", err
		}
		return net.JoinHostPort(host, port), nil
	}

	maddr, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", err
	}

	var host string
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6} {
		if v, err := maddr.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", errors.New("multiaddr has no ip or dns component")
	}

	port, err := maddr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", errors.New("multiaddr has no tcp component")
	}
	return net.JoinHostPort(host, port), nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
