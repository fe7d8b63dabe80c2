package printer

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/gousb"
)

// USBTransport opens USB printers by vendor and product ID
type USBTransport struct{}

func (USBTransport) Open(ctx context.Context, d Descriptor) (Conn, error) {
	return ConnectUSB(ctx, d.VendorID, d.ProductID)
}

// USBConnection represents a USB printer connection
type USBConnection struct {
	usbCtx   *gousb.Context
	device   *gousb.Device
	config   *gousb.Config
	iface    *gousb.Interface
	endpoint *gousb.OutEndpoint
	mu       sync.Mutex
}

// ConnectUSB opens the device, selects a configuration, claims an interface
// and finds its OUT endpoint. Whatever was acquired before a failing step is
// released again.
func ConnectUSB(ctx context.Context, vid, pid uint16) (_ *USBConnection, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := &USBConnection{usbCtx: gousb.NewContext()}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	conn.device, err = conn.usbCtx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, errors.Wrapf(err, "open USB device %04X:%04X", vid, pid)
	}
	if conn.device == nil {
		return nil, errors.Newf("device not found: %04X:%04X", vid, pid)
	}

	// Linux binds usblp to most printers; detaching lets us claim it.
	_ = conn.device.SetAutoDetach(true)

	cfgNum, err := conn.device.ActiveConfigNum()
	if err != nil || cfgNum == 0 {
		cfgNum = firstConfig(conn.device.Desc)
	}

	conn.config, err = conn.device.Config(cfgNum)
	if err != nil {
		return nil, errors.Wrapf(err, "select configuration %d", cfgNum)
	}

	conn.iface, conn.endpoint, err = claimOutEndpoint(conn.config, conn.device.Desc.Configs[cfgNum])
	if err != nil {
		return nil, errors.Wrapf(err, "claim USB printer %04X:%04X", vid, pid)
	}

	return conn, nil
}

func firstConfig(desc *gousb.DeviceDesc) int {
	first := 0
	for num := range desc.Configs {
		if first == 0 || num < first {
			first = num
		}
	}
	if first == 0 {
		return 1
	}
	return first
}

// claimOutEndpoint walks the interfaces of a configuration until one has a
// usable OUT endpoint
func claimOutEndpoint(cfg *gousb.Config, desc gousb.ConfigDesc) (*gousb.Interface, *gousb.OutEndpoint, error) {
	lastErr := errors.New("no OUT endpoint found")

	for _, ifaceDesc := range desc.Interfaces {
		for _, alt := range ifaceDesc.AltSettings {
			iface, err := cfg.Interface(ifaceDesc.Number, alt.Alternate)
			if err != nil {
				lastErr = errors.Wrapf(err, "claim interface %d", ifaceDesc.Number)
				continue
			}

			for _, epDesc := range iface.Setting.Endpoints {
				if epDesc.Direction != gousb.EndpointDirectionOut {
					continue
				}
				ep, err := iface.OutEndpoint(epDesc.Number)
				if err == nil {
					return iface, ep, nil
				}
				lastErr = errors.Wrapf(err, "open endpoint %d", epDesc.Number)
			}

			iface.Close()
		}
	}

	return nil, nil, lastErr
}

// Write sends data to the USB printer
func (c *USBConnection) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.endpoint == nil {
		return errors.Mark(errors.New("USB connection closed"), ErrHandleClosed)
	}

	for len(data) > 0 {
		n, err := c.endpoint.WriteContext(ctx, data)
		if err != nil {
			return errors.Wrap(err, "write to USB printer")
		}
		data = data[n:]
	}
	return nil
}

// Close closes the USB connection
func (c *USBConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endpoint = nil
	if c.iface != nil {
		c.iface.Close()
		c.iface = nil
	}
	if c.config != nil {
		c.config.Close()
		c.config = nil
	}
	if c.device != nil {
		c.device.Close()
		c.device = nil
	}
	if c.usbCtx != nil {
		c.usbCtx.Close()
		c.usbCtx = nil
	}

	return nil
}
