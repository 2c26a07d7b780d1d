package cluster

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
)

// EnvNodeID overrides the configured node id file.
const EnvNodeID = "ITEMDB_CLUSTER_NODE_ID"

const (
	defaultSyncDelayMs = 5000
	defaultStopDelayMs = 5000
	defaultNotifyLimit = 10
)

type Config struct {
	// ID is the journal id of this node. When empty it is taken from the
	// environment, then from IDFile, then generated and saved to IDFile.
	ID          string  `json:"id"`
	IDFile      string  `json:"id_file"`
	SyncDelayMs int     `json:"sync_delay_ms"`
	StopDelayMs int     `json:"stop_delay_ms"`
	// NotifyLimit bounds the early syncs per second triggered by journal
	// change notifications.
	NotifyLimit float64 `json:"notify_limit"`
}

func (cfg *Config) checkAndFix() error {
	if cfg.SyncDelayMs <= 0 {
		cfg.SyncDelayMs = defaultSyncDelayMs
	}
	if cfg.StopDelayMs <= 0 {
		cfg.StopDelayMs = defaultStopDelayMs
	}
	if cfg.NotifyLimit <= 0 {
		cfg.NotifyLimit = defaultNotifyLimit
	}
	id, err := resolveNodeID(cfg)
	if err != nil {
		return err
	}
	cfg.ID = id
	return nil
}

func (cfg *Config) syncDelay() time.Duration {
	return time.Duration(cfg.SyncDelayMs) * time.Millisecond
}

func (cfg *Config) stopDelay() time.Duration {
	return time.Duration(cfg.StopDelayMs) * time.Millisecond
}

func resolveNodeID(cfg *Config) (string, error) {
	if id := strings.TrimSpace(cfg.ID); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(os.Getenv(EnvNodeID)); id != "" {
		return id, nil
	}
	if cfg.IDFile == "" {
		return uuid.NewString(), nil
	}

	data, err := os.ReadFile(cfg.IDFile)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err = os.MkdirAll(filepath.Dir(cfg.IDFile), 0o755); err != nil {
		return "", err
	}
	if err = renameio.WriteFile(cfg.IDFile, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
