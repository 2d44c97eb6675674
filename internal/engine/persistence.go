package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Persistence handles the disk I/O for the MemStore.
type Persistence struct {
	DataDir string
	logger  *zap.Logger
	mu      sync.Mutex // Protects concurrent writes to the filesystem
}

// NewPersistence initializes a persistence handler, creating dir if needed.
func NewPersistence(dir string, logger *zap.Logger) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persistence{DataDir: dir, logger: logger.Named("persistence")}, nil
}

func (p *Persistence) path(userID string) string {
	return filepath.Join(p.DataDir, fmt.Sprintf("%s.vault.json", userID))
}

// ValidateUserID rejects IDs that cannot name a file in the data directory.
func ValidateUserID(userID string) error {
	if strings.ContainsAny(userID, `/\`) || userID == "" || userID == "." || userID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return nil
}

// SaveUser writes a single user's items to a JSON file atomically.
func (p *Persistence) SaveUser(userID string, data UserData) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	filePath := p.path(userID)
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tempPath, bytes, 0600); err != nil {
		return err
	}
	// Readers see either the old file or the new one, never a partial write.
	return os.Rename(tempPath, filePath)
}

// LoadAll returns all user data found in the data directory. Unreadable
// files are skipped.
func (p *Persistence) LoadAll() (map[string]UserData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allData := make(map[string]UserData)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".vault.json") {
			continue
		}
		userID := strings.TrimSuffix(name, ".vault.json")

		content, err := os.ReadFile(filepath.Join(p.DataDir, name))
		if err != nil {
			p.logger.Warn("could not read user file", zap.String("file", name), zap.Error(err))
			continue
		}

		var data UserData
		if err := json.Unmarshal(content, &data); err != nil {
			p.logger.Warn("could not unmarshal user data", zap.String("file", name), zap.Error(err))
			continue
		}
		allData[userID] = data
	}
	return allData, nil
}

// Open loads dir and returns a store persisting back into it.
func Open(dir string, logger *zap.Logger) (*MemStore, error) {
	p, err := NewPersistence(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	data, err := p.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load vault data: %w", err)
	}
	return NewMemStore(data, p, logger), nil
}
