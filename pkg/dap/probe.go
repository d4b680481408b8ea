package dap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// Transfer failures reported by the probe.
var (
	ErrTransferWait  = errors.New("dap: transfer WAIT")
	ErrTransferFault = errors.New("dap: transfer FAULT")
	ErrProtocol      = errors.New("dap: SWD protocol error")
)

// Debug port registers
const (
	DPIDR    = 0x0 // read
	DPAbort  = 0x0 // write
	DPCtrl   = 0x4
	DPSelect = 0x8
	DPRdBuff = 0xC
)

// MEM-AP registers (bank 0)
const (
	APCSW = 0x00
	APTAR = 0x04
	APDRW = 0x0C
)

const (
	ctrlCSysPwrUpAck = 1 << 31
	ctrlCSysPwrUpReq = 1 << 30
	ctrlCDbgPwrUpAck = 1 << 29
	ctrlCDbgPwrUpReq = 1 << 28

	abortClearAll = 0x1E

	// 32-bit accesses, no auto-increment, privileged data HPROT.
	cswWord = 0x23000002

	powerUpPolls = 100
)

// ProbeInfo is what the probe says about itself.
type ProbeInfo struct {
	Vendor   string
	Product  string
	Serial   string
	Firmware string
}

// Probe is a CMSIS-DAP probe connected to an ARMv7-M target over SWD. Its
// ReadWord and WriteWord go through MEM-AP 0, so a Probe is an armv7m.Bus.
type Probe struct {
	transport Transport
	protocol  *Protocol
	clockHz   uint32

	mu    sync.Mutex
	info  ProbeInfo
	idr   uint32
	alive bool
}

// ProbeOption configures Connect.
type ProbeOption func(*Probe)

// WithClock sets the SWD clock (default 1 MHz).
func WithClock(hz uint32) ProbeOption {
	return func(p *Probe) { p.clockHz = hz }
}

// Open opens the USB probe vid:pid and connects to its target.
func Open(vid, pid uint16, opts ...ProbeOption) (*Probe, error) {
	t, err := OpenUSB(vid, pid)
	if err != nil {
		return nil, err
	}
	p, err := Connect(t, opts...)
	if err != nil {
		t.Close()
		return nil, err
	}
	return p, nil
}

// Connect brings up SWD on t: DAP connect, line reset and JTAG-to-SWD
// switch, DPIDR read, debug power-up and MEM-AP setup.
func Connect(t Transport, opts ...ProbeOption) (*Probe, error) {
	size := DefaultPacketSize
	if u, ok := t.(*USBTransport); ok {
		size = u.PacketSize()
	}
	p := &Probe{
		transport: t,
		protocol:  NewProtocol(size),
		clockHz:   1_000_000,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.queryInfo(); err != nil {
		return nil, fmt.Errorf("dap: query info: %w", err)
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	if err := p.powerUp(); err != nil {
		return nil, err
	}
	p.alive = true
	glog.Infof("dap: connected to %s %s, DPIDR 0x%08X", p.info.Vendor, p.info.Product, p.idr)
	return p, nil
}

func (p *Probe) queryInfo() error {
	for _, q := range []struct {
		id  byte
		dst *string
	}{
		{InfoVendorID, &p.info.Vendor},
		{InfoProductID, &p.info.Product},
		{InfoSerialNum, &p.info.Serial},
		{InfoFirmwareVer, &p.info.Firmware},
	} {
		resp, err := p.transport.WriteRead(p.protocol.EncodeInfo(q.id))
		if err != nil {
			return err
		}
		if *q.dst, err = p.protocol.DecodeInfo(resp); err != nil {
			return err
		}
	}
	return nil
}

func (p *Probe) connect() error {
	resp, err := p.transport.WriteRead(p.protocol.EncodeConnect(PortSWD))
	if err != nil {
		return err
	}
	port, err := p.protocol.DecodeConnect(resp)
	if err != nil {
		return err
	}
	if port != PortSWD {
		return fmt.Errorf("dap: probe connected port %d, want SWD", port)
	}

	if err := p.command(p.protocol.EncodeSetClock(p.clockHz), p.protocol.DecodeSetClock); err != nil {
		return err
	}
	if err := p.command(p.protocol.EncodeTransferConfigure(0, 64, 0), p.protocol.DecodeTransferConfigure); err != nil {
		return err
	}

	lineReset := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	for _, seq := range []struct {
		bits int
		data []byte
	}{
		{56, lineReset},
		{16, []byte{0x9E, 0xE7}}, // JTAG-to-SWD
		{56, lineReset},
		{8, []byte{0x00}},
	} {
		if err := p.command(p.protocol.EncodeSWJSequence(seq.bits, seq.data), p.protocol.DecodeSWJSequence); err != nil {
			return err
		}
	}

	data, err := p.transfer(DPRead(DPIDR))
	if err != nil {
		return fmt.Errorf("dap: read DPIDR: %w", err)
	}
	p.idr = data[0]
	return nil
}

func (p *Probe) powerUp() error {
	if _, err := p.transfer(
		DPWrite(DPAbort, abortClearAll),
		DPWrite(DPSelect, 0),
		DPWrite(DPCtrl, ctrlCSysPwrUpReq|ctrlCDbgPwrUpReq),
	); err != nil {
		return fmt.Errorf("dap: power-up request: %w", err)
	}

	const acks = ctrlCSysPwrUpAck | ctrlCDbgPwrUpAck
	for i := 0; ; i++ {
		data, err := p.transfer(DPRead(DPCtrl))
		if err != nil {
			return fmt.Errorf("dap: power-up: %w", err)
		}
		if data[0]&acks == acks {
			break
		}
		if i == powerUpPolls {
			return fmt.Errorf("dap: debug power-up not acknowledged (CTRL/STAT 0x%08X)", data[0])
		}
	}

	if _, err := p.transfer(APWrite(APCSW, cswWord)); err != nil {
		return fmt.Errorf("dap: MEM-AP setup: %w", err)
	}
	return nil
}

// command sends cmd and decodes the status-only response.
func (p *Probe) command(cmd []byte, decode func([]byte) error) error {
	resp, err := p.transport.WriteRead(cmd)
	if err != nil {
		return err
	}
	return decode(resp)
}

// transfer runs xfers in one DAP_Transfer and returns the read data.
func (p *Probe) transfer(xfers ...Transfer) ([]uint32, error) {
	resp, err := p.transport.WriteRead(p.protocol.EncodeTransfer(xfers))
	if err != nil {
		return nil, err
	}
	res, err := p.protocol.DecodeTransfer(resp)
	if err != nil {
		return nil, err
	}

	switch res.Ack & AckMask {
	case AckOK:
		if res.Ack&AckProtocol != 0 {
			return nil, ErrProtocol
		}
	case AckWait:
		return nil, fmt.Errorf("%w after %d of %d", ErrTransferWait, res.Count, len(xfers))
	case AckFault:
		p.clearSticky()
		return nil, fmt.Errorf("%w after %d of %d", ErrTransferFault, res.Count, len(xfers))
	default:
		return nil, fmt.Errorf("%w (ack 0x%02X)", ErrProtocol, res.Ack)
	}
	if res.Count != len(xfers) {
		return nil, fmt.Errorf("dap: %d of %d transfers completed", res.Count, len(xfers))
	}

	reads := 0
	for _, x := range xfers {
		if x.Read() {
			reads++
		}
	}
	if len(res.Data) < reads {
		return nil, fmt.Errorf("dap: %d read values, want %d", len(res.Data), reads)
	}
	return res.Data[:reads], nil
}

func (p *Probe) clearSticky() {
	resp, err := p.transport.WriteRead(p.protocol.EncodeTransfer([]Transfer{DPWrite(DPAbort, abortClearAll)}))
	if err == nil {
		_, err = p.protocol.DecodeTransfer(resp)
	}
	if err != nil {
		glog.Warningf("dap: clear sticky errors: %v", err)
	}
}

// Info returns the probe identification.
func (p *Probe) Info() ProbeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// IDCode returns the target's DPIDR.
func (p *Probe) IDCode() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idr
}

// ReadWord reads one word of target memory.
func (p *Probe) ReadWord(addr uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(); err != nil {
		return 0, err
	}
	data, err := p.transfer(APWrite(APTAR, addr), APRead(APDRW))
	if err != nil {
		return 0, fmt.Errorf("dap: read 0x%08X: %w", addr, err)
	}
	glog.V(3).Infof("dap: read 0x%08X = 0x%08X", addr, data[0])
	return data[0], nil
}

// WriteWord writes one word of target memory. The trailing RDBUFF read
// makes sure the write completed before returning.
func (p *Probe) WriteWord(addr, v uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(); err != nil {
		return err
	}
	if _, err := p.transfer(APWrite(APTAR, addr), APWrite(APDRW, v), DPRead(DPRdBuff)); err != nil {
		return fmt.Errorf("dap: write 0x%08X: %w", addr, err)
	}
	glog.V(3).Infof("dap: write 0x%08X = 0x%08X", addr, v)
	return nil
}

// ResetTarget asks the probe to reset the target.
func (p *Probe) ResetTarget() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(); err != nil {
		return err
	}
	return p.command(p.protocol.EncodeResetTarget(), p.protocol.DecodeResetTarget)
}

// Close disconnects and releases the transport.
func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.alive {
		return nil
	}
	p.alive = false
	err := p.command(p.protocol.EncodeDisconnect(), p.protocol.DecodeDisconnect)
	if cerr := p.transport.Close(); err == nil {
		err = cerr
	}
	return err
}

func (p *Probe) check() error {
	if !p.alive {
		return errors.New("dap: probe closed")
	}
	return nil
}
