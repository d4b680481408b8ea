package dap

import (
	"fmt"

	"github.com/google/gousb"
)

const (
	// Raspberry Pi debug probe USB identifiers
	VendorIDRaspberryPi = 0x2E8A
	ProductIDCMSISDAP   = 0x000C

	// Default packet size for CMSIS-DAP v1/v2
	DefaultPacketSize = 64
)

// Transport carries one CMSIS-DAP command and its response.
type Transport interface {
	WriteRead(cmd []byte) ([]byte, error)
	Close() error
}

// USBTransport talks to a CMSIS-DAP v2 probe over its vendor bulk
// interface.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
}

// OpenUSB opens the first probe matching vid:pid.
func OpenUSB(vid, pid uint16) (*USBTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("dap: usb: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("dap: probe %04X:%04X not found", vid, pid)
	}
	// Not supported everywhere; the claim below reports real failures.
	_ = dev.SetAutoDetach(true)

	t := &USBTransport{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
	}
	if err := t.claimInterface(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// claimInterface claims the vendor-class interface that carries DAP
// packets.
func (t *USBTransport) claimInterface() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("dap: usb config: %w", err)
	}
	t.cfg = cfg

	num := 0
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			num = intf.Number
			break
		}
	}

	intf, err := cfg.Interface(num, 0)
	if err != nil {
		return fmt.Errorf("dap: claim interface %d: %w", num, err)
	}
	t.intf = intf
	return t.findEndpoints()
}

func (t *USBTransport) findEndpoints() error {
	var outAddr, inAddr int
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionOut && outAddr == 0:
			outAddr = ep.Number
		case ep.Direction == gousb.EndpointDirectionIn && inAddr == 0:
			inAddr = ep.Number
			t.packetSize = ep.MaxPacketSize
		}
	}
	if outAddr == 0 || inAddr == 0 {
		return fmt.Errorf("dap: bulk endpoints not found")
	}

	epOut, err := t.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("dap: open OUT endpoint: %w", err)
	}
	epIn, err := t.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("dap: open IN endpoint: %w", err)
	}
	t.epOut, t.epIn = epOut, epIn
	return nil
}

// WriteRead implements Transport.
func (t *USBTransport) WriteRead(cmd []byte) ([]byte, error) {
	packet := make([]byte, t.packetSize)
	copy(packet, cmd)
	if _, err := t.epOut.Write(packet); err != nil {
		return nil, fmt.Errorf("dap: usb write: %w", err)
	}

	resp := make([]byte, t.packetSize)
	n, err := t.epIn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("dap: usb read: %w", err)
	}
	return resp[:n], nil
}

// PacketSize returns the bulk packet size.
func (t *USBTransport) PacketSize() int {
	return t.packetSize
}

// Close implements Transport.
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
