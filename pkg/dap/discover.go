package dap

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// Device describes a detected CMSIS-DAP probe.
type Device struct {
	Description string
	VendorID    uint16
	ProductID   uint16
}

// Label returns a user-friendly description for the probe.
func (d Device) Label() string {
	if d.Description != "" {
		return fmt.Sprintf("%s (%04X:%04X)", d.Description, d.VendorID, d.ProductID)
	}
	return fmt.Sprintf("CMSIS-DAP %04X:%04X", d.VendorID, d.ProductID)
}

// Discover lists connected USB devices that match known CMSIS-DAP VID/PID
// pairs. Devices are matched on their descriptors only; none are opened.
func Discover(ctx context.Context) ([]Device, error) {
	var results []Device
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if d, ok := classify(desc); ok {
			results = append(results, d)
		}
		return false
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return results, fmt.Errorf("dap: enumerate: %w", err)
	}
	return results, ctx.Err()
}

func classify(desc *gousb.DeviceDesc) (Device, bool) {
	for _, known := range knownProbes {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return known, true
		}
	}
	return Device{}, false
}

var knownProbes = []Device{
	{VendorID: VendorIDRaspberryPi, ProductID: ProductIDCMSISDAP, Description: "Raspberry Pi Debug Probe"},
	{VendorID: 0x0d28, ProductID: 0x0204, Description: "DAPLink CMSIS-DAP"},
	{VendorID: 0x1366, ProductID: 0x0101, Description: "SEGGER J-Link CMSIS-DAP"},
	{VendorID: 0xc251, ProductID: 0xf002, Description: "Keil ULINKplus"},
}
