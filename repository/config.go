package repository

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cubefs/itemdb/cluster"
	"github.com/cubefs/itemdb/errors"
	"github.com/cubefs/itemdb/journal"
	"github.com/cubefs/itemdb/journal/remote"
	"github.com/cubefs/itemdb/persistence"
	"github.com/cubefs/itemdb/version"
)

const defaultWorkspace = "default"

const (
	JournalMemory = "memory"
	JournalFile   = "file"
	JournalKV     = "kv"
	JournalRemote = "remote"
)

type (
	JournalConfig struct {
		// Type is one of memory, file, kv and remote; empty means memory.
		Type   string             `json:"type"`
		File   journal.FileConfig `json:"file"`
		KV     journal.KVConfig   `json:"kv"`
		Remote remote.Config      `json:"remote"`
		// MemoryLog lets repositories of one process share a memory journal.
		MemoryLog *journal.MemoryLog `json:"-"`
	}
	Config struct {
		// Home keeps workspaces, version storage and registries. An empty
		// Home keeps everything in memory.
		Home             string `json:"home"`
		DefaultWorkspace string `json:"default_workspace"`
		// Persistence is the template of every workspace's persistence
		// config; Workspace and Dir are filled in per workspace.
		Persistence persistence.Config `json:"persistence"`
		// Cluster is nil for a standalone repository.
		Cluster *cluster.Config `json:"cluster"`
		Journal JournalConfig   `json:"journal"`
	}
)

func (cfg *Config) checkAndFix() error {
	if cfg.DefaultWorkspace == "" {
		cfg.DefaultWorkspace = defaultWorkspace
	}
	if err := checkWorkspaceName(cfg.DefaultWorkspace); err != nil {
		return err
	}
	if cfg.Cluster == nil {
		return nil
	}

	switch cfg.Journal.Type {
	case "":
		cfg.Journal.Type = JournalMemory
	case JournalMemory, JournalRemote:
	case JournalFile:
		if cfg.Journal.File.Dir == "" && cfg.Home != "" {
			cfg.Journal.File.Dir = filepath.Join(cfg.Home, "journal")
		}
	case JournalKV:
		if cfg.Journal.KV.Path == "" && cfg.Home != "" {
			cfg.Journal.KV.Path = filepath.Join(cfg.Home, "journal")
		}
		if cfg.Journal.KV.Path == "" {
			return fmt.Errorf("%w: kv journal without path", errors.ErrIllegalState)
		}
	default:
		return fmt.Errorf("%w: unknown journal type %q", errors.ErrIllegalState, cfg.Journal.Type)
	}
	if cfg.Cluster.IDFile == "" && cfg.Home != "" {
		cfg.Cluster.IDFile = filepath.Join(cfg.Home, "cluster_node.id")
	}
	return nil
}

func (cfg *Config) path(elem ...string) string {
	if cfg.Home == "" {
		return ""
	}
	return filepath.Join(append([]string{cfg.Home}, elem...)...)
}

func (cfg *Config) workspaceDir(name string) string {
	return cfg.path("workspaces", name)
}

func checkWorkspaceName(name string) error {
	if name == "" || name == "." || name == ".." || name == version.Workspace || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid workspace name %q", errors.ErrConstraintViolation, name)
	}
	return nil
}
