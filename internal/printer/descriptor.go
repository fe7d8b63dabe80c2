// Package printer handles printer detection, connection, and communication
package printer

import (
	"fmt"

	"github.com/thereceipt/order-print-agent/internal/registry"
)

// Kind is the transport a printer is reached through
type Kind string

const (
	KindUSB     Kind = "usb"
	KindSerial  Kind = "serial"
	KindNetwork Kind = "network"
	KindSpooler Kind = "spooler"
	KindBrowser Kind = "browser"
)

// IsHardware reports whether the kind speaks ESC/POS directly
func (k Kind) IsHardware() bool {
	switch k {
	case KindUSB, KindSerial, KindNetwork:
		return true
	default:
		return false
	}
}

// Descriptor represents a detected printer. Descriptors are rebuilt on every
// detection; ID and Name come from the registry and stay stable.
type Descriptor struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
	VendorID    uint16 `json:"vendor_id,omitempty"`
	ProductID   uint16 `json:"product_id,omitempty"`
	Device      string `json:"device,omitempty"`
	Address     string `json:"address,omitempty"`
	Name        string `json:"name,omitempty"`
	Default     bool   `json:"default"`
}

// DisplayName is the user-set name, or the description when unset
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Description
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.DisplayName(), d.Kind)
}

func (d Descriptor) identity() registry.Identity {
	return registry.Identity{
		Kind:        string(d.Kind),
		VendorID:    d.VendorID,
		ProductID:   d.ProductID,
		Device:      d.Device,
		Address:     d.Address,
		Description: d.Description,
	}
}

// key identifies the physical device for lease bookkeeping
func (d Descriptor) key() string {
	if d.ID != "" {
		return d.ID
	}
	return registry.IdentityKey(d.identity())
}
