package dap

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP command IDs
const (
	CmdInfo              = 0x00
	CmdConnect           = 0x02
	CmdDisconnect        = 0x03
	CmdTransferConfigure = 0x04
	CmdTransfer          = 0x05
	CmdResetTarget       = 0x0A
	CmdSWJClock          = 0x11
	CmdSWJSequence       = 0x12
)

// DAP_Info IDs
const (
	InfoVendorID     = 0x01
	InfoProductID    = 0x02
	InfoSerialNum    = 0x03
	InfoFirmwareVer  = 0x04
	InfoCapabilities = 0xF0
	InfoPacketCount  = 0xFE
	InfoPacketSize   = 0xFF
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// DAP_Transfer request bits
const (
	ReqAPnDP = 1 << 0
	ReqRnW   = 1 << 1
	ReqA2    = 1 << 2
	ReqA3    = 1 << 3
)

// DAP_Transfer acknowledges
const (
	AckOK       = 0x01
	AckWait     = 0x02
	AckFault    = 0x04
	AckProtocol = 0x08
	AckMask     = 0x07
)

// Transfer is one DP or AP register access inside a DAP_Transfer.
type Transfer struct {
	Request byte
	Data    uint32 // value to write; ignored for reads
}

// Read reports whether the transfer reads a register.
func (t Transfer) Read() bool {
	return t.Request&ReqRnW != 0
}

// DPRead builds a debug port register read.
func DPRead(reg byte) Transfer {
	return Transfer{Request: ReqRnW | reg&(ReqA2|ReqA3)}
}

// DPWrite builds a debug port register write.
func DPWrite(reg byte, v uint32) Transfer {
	return Transfer{Request: reg & (ReqA2 | ReqA3), Data: v}
}

// APRead builds an access port register read in the selected bank.
func APRead(reg byte) Transfer {
	return Transfer{Request: ReqAPnDP | ReqRnW | reg&(ReqA2|ReqA3)}
}

// APWrite builds an access port register write in the selected bank.
func APWrite(reg byte, v uint32) Transfer {
	return Transfer{Request: ReqAPnDP | reg&(ReqA2|ReqA3), Data: v}
}

// Protocol handles encoding/decoding of CMSIS-DAP commands
type Protocol struct {
	PacketSize int
}

// NewProtocol creates a new protocol handler
func NewProtocol(packetSize int) *Protocol {
	return &Protocol{PacketSize: packetSize}
}

// EncodeInfo builds a DAP_Info command
func (p *Protocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info string response
func (p *Protocol) DecodeInfo(resp []byte) (string, error) {
	if err := expect(resp, CmdInfo, 2); err != nil {
		return "", err
	}
	length := int(resp[1])
	if len(resp) < 2+length {
		return "", fmt.Errorf("dap: incomplete info string")
	}
	s := resp[2 : 2+length]
	// Strings are NUL-terminated on the wire.
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

// DecodeInfoUint16 parses a 2-byte DAP_Info response such as the packet size.
func (p *Protocol) DecodeInfoUint16(resp []byte) (uint16, error) {
	if err := expect(resp, CmdInfo, 2); err != nil {
		return 0, err
	}
	if resp[1] != 2 || len(resp) < 4 {
		return 0, fmt.Errorf("dap: info length %d, want 2", resp[1])
	}
	return binary.LittleEndian.Uint16(resp[2:4]), nil
}

// EncodeConnect builds a DAP_Connect command
func (p *Protocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *Protocol) DecodeConnect(resp []byte) (byte, error) {
	if err := expect(resp, CmdConnect, 2); err != nil {
		return 0, err
	}
	if resp[1] == PortDefault {
		return 0, fmt.Errorf("dap: connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *Protocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// DecodeDisconnect parses a DAP_Disconnect response
func (p *Protocol) DecodeDisconnect(resp []byte) error {
	return decodeStatus(resp, CmdDisconnect, "disconnect")
}

// EncodeTransferConfigure builds a DAP_TransferConfigure command
func (p *Protocol) EncodeTransferConfigure(idleCycles byte, waitRetry, matchRetry uint16) []byte {
	cmd := make([]byte, 6)
	cmd[0] = CmdTransferConfigure
	cmd[1] = idleCycles
	binary.LittleEndian.PutUint16(cmd[2:], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:], matchRetry)
	return cmd
}

// DecodeTransferConfigure parses a DAP_TransferConfigure response
func (p *Protocol) DecodeTransferConfigure(resp []byte) error {
	return decodeStatus(resp, CmdTransferConfigure, "transfer configure")
}

// EncodeTransfer builds a DAP_Transfer command for DAP index 0
func (p *Protocol) EncodeTransfer(xfers []Transfer) []byte {
	cmd := make([]byte, 3, 3+5*len(xfers))
	cmd[0] = CmdTransfer
	cmd[1] = 0
	cmd[2] = byte(len(xfers))
	for _, x := range xfers {
		cmd = append(cmd, x.Request)
		if !x.Read() {
			cmd = binary.LittleEndian.AppendUint32(cmd, x.Data)
		}
	}
	return cmd
}

// TransferResult is a decoded DAP_Transfer response.
type TransferResult struct {
	Count int    // transfers executed
	Ack   byte   // acknowledge of the last transfer
	Data  []uint32
}

// DecodeTransfer parses a DAP_Transfer response
func (p *Protocol) DecodeTransfer(resp []byte) (TransferResult, error) {
	if err := expect(resp, CmdTransfer, 3); err != nil {
		return TransferResult{}, err
	}
	res := TransferResult{Count: int(resp[1]), Ack: resp[2]}
	for off := 3; off+4 <= len(resp); off += 4 {
		res.Data = append(res.Data, binary.LittleEndian.Uint32(resp[off:]))
	}
	return res, nil
}

// EncodeSetClock builds a DAP_SWJ_Clock command
func (p *Protocol) EncodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// DecodeSetClock parses response
func (p *Protocol) DecodeSetClock(resp []byte) error {
	return decodeStatus(resp, CmdSWJClock, "set clock")
}

// EncodeSWJSequence builds a DAP_SWJ_Sequence command clocking bits of
// data out on SWDIO/TMS, LSB first. bits must be 1..256.
func (p *Protocol) EncodeSWJSequence(bits int, data []byte) []byte {
	n := (bits + 7) / 8
	cmd := make([]byte, 2+n)
	cmd[0] = CmdSWJSequence
	cmd[1] = byte(bits) // 256 encodes as 0
	copy(cmd[2:], data)
	return cmd
}

// DecodeSWJSequence parses response
func (p *Protocol) DecodeSWJSequence(resp []byte) error {
	return decodeStatus(resp, CmdSWJSequence, "swj sequence")
}

// EncodeResetTarget builds a DAP_ResetTarget command
func (p *Protocol) EncodeResetTarget() []byte {
	return []byte{CmdResetTarget}
}

// DecodeResetTarget parses response
func (p *Protocol) DecodeResetTarget(resp []byte) error {
	return decodeStatus(resp, CmdResetTarget, "reset target")
}

func expect(resp []byte, cmd byte, min int) error {
	if len(resp) < min {
		return fmt.Errorf("dap: response too short")
	}
	if resp[0] != cmd {
		return fmt.Errorf("dap: invalid command ID: 0x%02X", resp[0])
	}
	return nil
}

func decodeStatus(resp []byte, cmd byte, what string) error {
	if err := expect(resp, cmd, 2); err != nil {
		return err
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("dap: %s failed", what)
	}
	return nil
}
