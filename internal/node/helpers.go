package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/storage"
)

// Key namespaces inside the shared database.
var (
	prefixChain  = []byte("chain/")
	prefixLedger = []byte("ledger/")
	prefixP2P    = []byte("p2p/")
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openDB opens the node database: Badger on disk, or Badger in memory
// when the configuration asks for nothing to be persisted.
func openDB(cfg *config.Config) (storage.DB, error) {
	if cfg.MemDB {
		return storage.NewBadgerInMemory()
	}
	dir := cfg.DBDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	return storage.NewBadger(dir)
}

// logFilePath resolves where the rotating log file goes. In-memory nodes
// log to the console only unless a file is named.
func logFilePath(cfg *config.Config) string {
	if cfg.Log.File != "" {
		return expandHome(cfg.Log.File)
	}
	if cfg.MemDB {
		return ""
	}
	return filepath.Join(cfg.ChainDataDir(), "logs", "klingnet.log")
}
