package printer

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/gousb"
)

// USBDevice is what enumeration learns about an attached USB device
type USBDevice struct {
	VendorID     uint16
	ProductID    uint16
	PrinterClass bool
	Manufacturer string
	Product      string
}

// USBEnumerator lists attached USB devices
type USBEnumerator interface {
	Enumerate(ctx context.Context) ([]USBDevice, error)
}

// LibUSBEnumerator enumerates devices through libusb
type LibUSBEnumerator struct{}

// Enumerate opens every device briefly to read its strings. Devices that
// cannot be opened (permissions) are skipped; only a failure that yields
// no devices at all is reported.
func (LibUSBEnumerator) Enumerate(ctx context.Context) ([]USBDevice, error) {
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return ctx.Err() == nil
	})
	defer func() {
		for _, dev := range devices {
			dev.Close()
		}
	}()
	if err != nil && len(devices) == 0 {
		return nil, errors.Wrap(err, "enumerate USB devices")
	}

	result := make([]USBDevice, 0, len(devices))
	for _, dev := range devices {
		desc := dev.Desc

		info := USBDevice{
			VendorID:     uint16(desc.Vendor),
			ProductID:    uint16(desc.Product),
			PrinterClass: isPrinterClass(desc),
		}
		info.Manufacturer, _ = dev.Manufacturer()
		info.Product, _ = dev.Product()

		result = append(result, info)
	}

	return result, nil
}

// isPrinterClass checks the device class and every interface class
func isPrinterClass(desc *gousb.DeviceDesc) bool {
	if desc.Class == gousb.ClassPrinter {
		return true
	}
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if alt.Class == gousb.ClassPrinter {
					return true
				}
			}
		}
	}
	return false
}
