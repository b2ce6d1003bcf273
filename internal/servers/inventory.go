package servers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
)

// Inventory is the YAML file accepted by `sentinel servers import`.
//
//	servers:
//	  - alias: prod
//	    host: 10.0.0.5
//	    user: root
//	    key_path: ~/.ssh/id_ed25519
type Inventory struct {
	Servers []Server `yaml:"servers"`
}

// LoadInventory parses and validates an inventory file.
func LoadInventory(path string) ([]Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}

	seen := make(map[string]bool, len(inv.Servers))
	for i := range inv.Servers {
		s := &inv.Servers[i]
		if s.Port == 0 {
			s.Port = DefaultPort
		}
		s.KeyPath = expandHome(s.KeyPath)
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("inventory entry %d: %w", i+1, err)
		}
		if seen[s.Alias] {
			return nil, fmt.Errorf("inventory entry %d: duplicate alias %q: %w", i+1, s.Alias, sentinelerrors.ErrInvalidInput)
		}
		seen[s.Alias] = true
	}
	return inv.Servers, nil
}

// ImportResult reports what Import did.
type ImportResult struct {
	Added   []string
	Skipped []string
}

// Import adds every server to store, skipping aliases that already exist.
func Import(ctx context.Context, store Store, list []Server) (ImportResult, error) {
	var res ImportResult
	for _, s := range list {
		if _, err := store.Get(ctx, s.Alias); err == nil {
			res.Skipped = append(res.Skipped, s.Alias)
			continue
		} else if !errors.Is(err, sentinelerrors.ErrNotFound) {
			return res, err
		}
		if err := store.Add(ctx, s); err != nil {
			return res, err
		}
		res.Added = append(res.Added, s.Alias)
	}
	return res, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
