// Package registry assigns stable IDs and user-set names to printers.
// Devices are re-enumerated on every detection; the registry is what keeps
// "the kitchen printer" recognisable across enumerations and restarts.
package registry

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Registry manages printer identities and custom names
type Registry struct {
	filePath string
	data     map[string]*Entry
	mu       sync.RWMutex
	logger   *slog.Logger
}

// Entry stores persistent information about a printer
type Entry struct {
	ID          string `json:"id"`
	IdentityKey string `json:"identity_key"`
	Kind        string `json:"kind"`
	VendorID    uint16 `json:"vendor_id,omitempty"`
	ProductID   uint16 `json:"product_id,omitempty"`
	Device      string `json:"device,omitempty"`
	Address     string `json:"address,omitempty"`
	Description string `json:"description"`
	Name        string `json:"name,omitempty"`
}

// Identity is what detection knows about a device
type Identity struct {
	Kind        string
	VendorID    uint16
	ProductID   uint16
	Device      string
	Address     string
	Description string
}

// New loads the registry at filePath. A missing file is an empty registry.
func New(filePath string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		filePath: filePath,
		data:     make(map[string]*Entry),
		logger:   logger.With("component", "registry"),
	}

	if err := r.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load registry")
	}

	return r, nil
}

// ID gets or creates the persistent ID for a device
func (r *Registry) ID(info Identity) string {
	key := IdentityKey(info)

	r.mu.RLock()
	entry, exists := r.data[key]
	r.mu.RUnlock()
	if exists {
		return entry.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.data[key]; exists {
		return entry.ID
	}

	entry = &Entry{
		ID:          uuid.NewString(),
		IdentityKey: key,
		Kind:        info.Kind,
		VendorID:    info.VendorID,
		ProductID:   info.ProductID,
		Device:      info.Device,
		Address:     info.Address,
		Description: info.Description,
	}
	r.data[key] = entry
	r.persist()

	return entry.ID
}

// Name returns the custom name for a printer, or "" when unset
func (r *Registry) Name(printerID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry := r.find(printerID); entry != nil {
		return entry.Name
	}
	return ""
}

// SetName sets a custom name. It reports false for unknown printers.
func (r *Registry) SetName(printerID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.find(printerID)
	if entry == nil {
		return false
	}
	entry.Name = name
	r.persist()
	return true
}

// Get returns a copy of the stored entry
func (r *Registry) Get(printerID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry := r.find(printerID); entry != nil {
		entryCopy := *entry
		return &entryCopy
	}
	return nil
}

// Remove forgets a printer
func (r *Registry) Remove(printerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, entry := range r.data {
		if entry.ID == printerID {
			delete(r.data, key)
			r.persist()
			return true
		}
	}
	return false
}

// All returns copies of every entry keyed by identity
func (r *Registry) All() map[string]*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Entry, len(r.data))
	for k, v := range r.data {
		entryCopy := *v
		result[k] = &entryCopy
	}
	return result
}

func (r *Registry) find(printerID string) *Entry {
	for _, entry := range r.data {
		if entry.ID == printerID {
			return entry
		}
	}
	return nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &r.data)
}

// persist saves while the write lock is held. Failures are logged: a
// registry that cannot be written still hands out IDs for this process.
func (r *Registry) persist() {
	if r.filePath == "" {
		return
	}
	if err := r.save(); err != nil {
		r.logger.Warn("failed to save printer registry", "path", r.filePath, "error", err)
	}
}

func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), r.filePath)
}

// IdentityKey derives the key a device is remembered by
func IdentityKey(info Identity) string {
	switch info.Kind {
	case "usb":
		if info.VendorID != 0 || info.ProductID != 0 {
			return fmt.Sprintf("usb:%04X:%04X", info.VendorID, info.ProductID)
		}
	case "serial":
		if info.Device != "" {
			return "serial:" + info.Device
		}
	case "network":
		if info.Address != "" {
			return "network:" + info.Address
		}
	case "spooler", "browser":
		return info.Kind + ":" + info.Description
	}

	hash := md5.Sum([]byte(info.Description))
	return fmt.Sprintf("hash:%x", hash)
}
