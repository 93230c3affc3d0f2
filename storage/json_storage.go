package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"votecommit/models"
)

// Chain is the on-disk form of one hash-linked chain.
type Chain struct {
	Blocks []*models.Block `json:"blocks"`
}

// JSONStore keeps named chains in <basePath>/<name>_chain.json. Every write
// replaces the file atomically.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex
	chains   map[string]*Chain
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &JSONStore{
		basePath: basePath,
		chains:   make(map[string]*Chain),
	}, nil
}

func (s *JSONStore) chainPath(name string) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%s_chain.json", name))
}

// LoadChain returns a copy of the named chain, reading it from disk on first
// use. A missing file is an empty chain.
func (s *JSONStore) LoadChain(name string) ([]*models.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.chain(name)
	if err != nil {
		return nil, err
	}

	blocks := make([]*models.Block, len(chain.Blocks))
	copy(blocks, chain.Blocks)
	return blocks, nil
}

func (s *JSONStore) chain(name string) (*Chain, error) {
	if chain, ok := s.chains[name]; ok {
		return chain, nil
	}

	chain := &Chain{Blocks: make([]*models.Block, 0)}
	data, err := os.ReadFile(s.chainPath(name))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read chain %s: %w", name, err)
	default:
		if err := json.Unmarshal(data, chain); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chain %s: %w", name, err)
		}
	}

	s.chains[name] = chain
	return chain, nil
}

// SaveBlock appends block to the named chain and persists the whole chain.
// The in-memory chain is only extended once the write succeeded.
func (s *JSONStore) SaveBlock(name string, block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.chain(name)
	if err != nil {
		return err
	}

	next := &Chain{Blocks: append(chain.Blocks[:len(chain.Blocks):len(chain.Blocks)], block)}
	if err := s.write(name, next); err != nil {
		return err
	}
	s.chains[name] = next
	return nil
}

// SaveChain replaces the named chain.
func (s *JSONStore) SaveChain(name string, blocks []*models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := &Chain{Blocks: append([]*models.Block(nil), blocks...)}
	if err := s.write(name, chain); err != nil {
		return err
	}
	s.chains[name] = chain
	return nil
}

func (s *JSONStore) write(name string, chain *Chain) error {
	data, err := json.MarshalIndent(chain, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal chain: %w", err)
	}

	if err := renameio.WriteFile(s.chainPath(name), data, 0644); err != nil {
		return fmt.Errorf("failed to save chain file: %w", err)
	}
	return nil
}
