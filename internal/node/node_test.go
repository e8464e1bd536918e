package node

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

var testScript = types.P2PKHScript(types.Address{0x6e, 0x6f, 0x64, 0x65})

// buildChain returns n valid regtest blocks on top of parent.
func buildChain(p *config.Params, parent *block.Header, n int) []*block.Block {
	out := make([]*block.Block, 0, n)
	for i := 0; i < n; i++ {
		height := parent.Height + 1
		cb := tx.NewCoinbase(height, p.BlockReward, testScript)
		body := &block.Body{Transactions: []*tx.Transaction{cb}}
		b := block.NewBlock(&block.Header{
			Version:    block.CurrentVersion,
			PrevHash:   parent.Hash(),
			MerkleRoot: body.MerkleRoot(),
			Timestamp:  parent.Timestamp + 10,
			Height:     height,
			Difficulty: parent.Difficulty,
		}, body.Transactions)
		out = append(out, b)
		parent = b.Header
	}
	return out
}

func testConfig(t *testing.T, p2pEnabled bool) *config.Config {
	t.Helper()
	cfg := config.DefaultRegtest()
	cfg.DataDir = t.TempDir()
	cfg.MemDB = true
	cfg.Log.Level = "error"
	cfg.P2P.Enabled = p2pEnabled
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 0
	cfg.P2P.NoDiscover = true
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.klingnet", filepath.Join(home, ".klingnet")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestLogFilePath(t *testing.T) {
	cfg := config.DefaultRegtest()
	cfg.DataDir = "/data"

	require.Equal(t, filepath.Join("/data", "regtest", "logs", "klingnet.log"), logFilePath(cfg))

	cfg.MemDB = true
	require.Empty(t, logFilePath(cfg))

	cfg.Log.File = "/var/log/k.log"
	require.Equal(t, "/var/log/k.log", logFilePath(cfg))
}

func TestNode_OfflineProcessesBlocks(t *testing.T) {
	cfg := testConfig(t, false)
	n := startNode(t, cfg)

	params := cfg.Params()
	require.Nil(t, n.P2P())
	require.Equal(t, uint64(0), n.Height())
	require.Equal(t, params.GenesisHash(), n.Manager().Tip().Hash)

	blocks := buildChain(params, params.GenesisBlock().Header, 4)
	for _, b := range blocks {
		require.NoError(t, n.Manager().ProcessBlock(context.Background(), b, ""))
	}
	require.Equal(t, uint64(4), n.Height())
	require.Equal(t, blocks[3].Hash(), n.Manager().Tip().Hash)

	// Metrics follow the tip through the notifier.
	require.Eventually(t, func() bool {
		return tipHeightMetric(n) == 4
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNode_PersistsChain(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.MemDB = false
	params := cfg.Params()
	blocks := buildChain(params, params.GenesisBlock().Header, 3)

	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	for _, b := range blocks {
		require.NoError(t, n.Manager().ProcessBlock(context.Background(), b, ""))
	}
	n.Stop()

	reopened := startNode(t, cfg)
	require.Equal(t, uint64(3), reopened.Height())
	require.Equal(t, blocks[2].Hash(), reopened.Manager().Tip().Hash)
}

func TestNode_ClearBans(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.MemDB = false

	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	n.Bans().BanPeer(id, time.Hour, "test")
	require.Len(t, n.Bans().BanList(), 1)
	n.Stop()

	kept, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, kept.Start())
	require.Len(t, kept.Bans().BanList(), 1)
	kept.Stop()

	cfg.P2P.ClearBans = true
	cleared := startNode(t, cfg)
	require.Empty(t, cleared.Bans().BanList())
}

func TestNode_SyncsFromPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("network test")
	}
	cfgA := testConfig(t, true)
	params := cfgA.Params()
	a := startNode(t, cfgA)

	blocks := buildChain(params, params.GenesisBlock().Header, 12)
	for _, b := range blocks {
		require.NoError(t, a.Manager().ProcessBlock(context.Background(), b, ""))
	}
	require.Equal(t, uint64(12), a.Height())

	addrs := a.P2P().Addrs()
	require.NotEmpty(t, addrs)

	cfgB := testConfig(t, true)
	cfgB.P2P.Seeds = addrs
	b := startNode(t, cfgB)

	require.Eventually(t, func() bool {
		return b.Manager().Tip().Hash == blocks[11].Hash()
	}, 20*time.Second, 100*time.Millisecond, "node B did not reach node A's tip")

	// New blocks reach B through header announcements.
	more := buildChain(params, blocks[11].Header, 2)
	for _, blk := range more {
		require.NoError(t, a.Manager().ProcessBlock(context.Background(), blk, ""))
	}
	require.Eventually(t, func() bool {
		return b.Manager().Tip().Hash == more[1].Hash()
	}, 20*time.Second, 100*time.Millisecond, "announced blocks did not reach node B")
}

func tipHeightMetric(n *Node) float64 {
	families, err := n.Metrics().Registry().Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() == "klingnet_chain_tip_height" {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}
