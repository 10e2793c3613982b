package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/meshrelay/pkg/protocol"
)

const basicConfig = `
[Node]
  Name = "B"
  PrivateKeyFile = "secrets/B.key"
  CertificateFile = "secrets/B.crt"
  IdleTimeout = 30000

[Authority]
  Address = "/ip4/127.0.0.1/tcp/9000"
  RootCertificateFile = "secrets/rootCA.crt"

[Logging]
  Level = "debug"

[Topology]
  Edges = ["A:B", "B:C"]

[Directory]
  A = "127.0.0.1:7000"
  B = "/ip4/127.0.0.1/tcp/7001"
  C = "/dns4/localhost/tcp/7002"
  D = "/ip6/::1/tcp/7003"
`

func TestLoad(t *testing.T) {
	cfg, err := Load([]byte(basicConfig))
	require.NoError(t, err)

	assert.Equal(t, "B", cfg.Node.Name)
	assert.Equal(t, protocol.MaxPacketSize, cfg.Node.MaxPacketSize)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout())
	assert.Equal(t, "127.0.0.1:9000", cfg.Authority.Address)
	assert.Equal(t, defaultVerifyTimeout, cfg.Authority.Timeout)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, defaultRequestTimeout, cfg.Client.Timeout)

	dir := cfg.StaticDirectory()
	assert.Equal(t, "127.0.0.1:7000", dir["A"])
	assert.Equal(t, "127.0.0.1:7001", dir["B"])
	assert.Equal(t, "localhost:7002", dir["C"])
	assert.Equal(t, "[::1]:7003", dir["D"])

	g := cfg.Graph()
	assert.Equal(t, []string{"A", "B", "C"}, g.FindRoute("A", "C", nil))
	assert.True(t, g.HasNode("D"))
	assert.Nil(t, g.FindRoute("A", "D", nil))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]byte(`
[Directory]
  A = "127.0.0.1:7000"
`))
	require.NoError(t, err)
	assert.Nil(t, cfg.Node)
	assert.Equal(t, defaultAuthority, cfg.Authority.Address)
	assert.Equal(t, defaultLogLevel, cfg.Logging.Level)
	assert.Equal(t, time.Duration(0), cfg.IdleTimeout())
	assert.Empty(t, cfg.API.Address)
	assert.Empty(t, cfg.Storage.InboxPath)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad directory address", "[Directory]\n  A = \"nowhere\"\n"},
		{"multiaddr without tcp", "[Directory]\n  A = \"/ip4/127.0.0.1/udp/7000\"\n"},
		{"malformed multiaddr", "[Directory]\n  A = \"/ip4/notanip/tcp/7000\"\n"},
		{"bad edge", "[Topology]\n  Edges = [\"A-B\"]\n"},
		{"self loop", "[Topology]\n  Edges = [\"A:A\"]\n"},
		{"bad log level", "[Logging]\n  Level = \"LOUD\"\n"},
		{"unnamed node", "[Node]\n  PrivateKeyFile = \"k\"\n"},
		{"reserved name", "[Node]\n  Name = \"A,B\"\n"},
		{"negative packet size", "[Node]\n  Name = \"A\"\n  MaxPacketSize = -1\n"},
		{"bad api address", "[API]\n  Address = \"8080\"\n"},
		{"unknown key", "[Node]\n  Name = \"A\"\n  Colour = \"blue\"\n"},
		{"not toml", "[Node"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.toml")
	require.NoError(t, os.WriteFile(path, []byte(basicConfig), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "B", cfg.Node.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"127.0.0.1:7000", "127.0.0.1:7000", true},
		{"localhost:80", "localhost:80", true},
		{"/ip4/10.0.0.1/tcp/7000", "10.0.0.1:7000", true},
		{"/dns/node-a/tcp/7000", "node-a:7000", true},
		{"7000", "", false},
		{"/ip4/10.0.0.1", "", false},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
