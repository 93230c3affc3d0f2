package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

var ErrReceiptNotFound = errors.New("receipt not found")

var receiptIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ReceiptArchive stores rendered receipts as receipt_<id>.txt files.
type ReceiptArchive struct {
	dataDir string
	mutex   sync.RWMutex
}

func NewReceiptArchive(dataDir string) (*ReceiptArchive, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create receipt directory: %w", err)
	}

	return &ReceiptArchive{dataDir: absPath}, nil
}

func (a *ReceiptArchive) path(receiptID string) (string, error) {
	if !receiptIDPattern.MatchString(receiptID) {
		return "", fmt.Errorf("invalid receipt id %q", receiptID)
	}
	return filepath.Join(a.dataDir, "receipt_"+receiptID+".txt"), nil
}

func (a *ReceiptArchive) Save(receiptID, text string) error {
	path, err := a.path(receiptID)
	if err != nil {
		return err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if err := renameio.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to save receipt %s: %w", receiptID, err)
	}
	return nil
}

func (a *ReceiptArchive) Load(receiptID string) (string, error) {
	path, err := a.path(receiptID)
	if err != nil {
		return "", err
	}

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptID)
		}
		return "", fmt.Errorf("failed to read receipt %s: %w", receiptID, err)
	}
	return string(data), nil
}

// List returns the archived receipt ids in lexical order.
func (a *ReceiptArchive) List() ([]string, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	files, err := filepath.Glob(filepath.Join(a.dataDir, "receipt_*.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		base := filepath.Base(file)
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(base, "receipt_"), ".txt"))
	}
	sort.Strings(ids)
	return ids, nil
}
