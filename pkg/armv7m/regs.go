// Package armv7m programs the ARMv7-M PMSA memory protection unit through a
// 32-bit word bus.
//
// The bus can be the simulated core in package sim or a debug probe attached
// to a real target (package dap); the register sequences are the same.
package armv7m

// System control block registers used for MemManage faults.
const (
	RegSHCSR = 0xE000ED24
	RegCFSR  = 0xE000ED28
	RegMMFAR = 0xE000ED34
)

// MPU registers.
const (
	RegMPUType = 0xE000ED90
	RegMPUCtrl = 0xE000ED94
	RegMPURNR  = 0xE000ED98
	RegMPURBAR = 0xE000ED9C
	RegMPURASR = 0xE000EDA0
)

// SHCSR bits.
const (
	SHCSRMemFaultEna = 1 << 16
)

// MMFSR bits (low byte of CFSR).
const (
	MMFSRIAccViol  = 1 << 0
	MMFSRDAccViol  = 1 << 1
	MMFSRMUnstkErr = 1 << 3
	MMFSRMStkErr   = 1 << 4
	MMFSRMLSPErr   = 1 << 5
	MMFSRMMARValid = 1 << 7
	MMFSRMask      = 0xFF
)

// MPU_TYPE fields.
const (
	TypeDRegionShift = 8
	TypeDRegionMask  = 0xFF << TypeDRegionShift
)

// MPU_CTRL bits.
const (
	CtrlEnable     = 1 << 0
	CtrlHFNMIEna   = 1 << 1
	CtrlPrivDefEna = 1 << 2
)

// MPU_RBAR fields.
const (
	RBARAddrMask   = 0xFFFFFFE0
	RBARValid      = 1 << 4
	RBARRegionMask = 0xF
)

// MPU_RASR fields.
const (
	RASREnable    = 1 << 0
	RASRSizeShift = 1
	RASRSizeMask  = 0x1F << RASRSizeShift
	RASRSRDShift  = 8
	RASRSRDMask   = 0xFF << RASRSRDShift
	RASRBBit      = 1 << 16
	RASRCBit      = 1 << 17
	RASRSBit      = 1 << 18
	RASRTEXShift  = 19
	RASRTEXMask   = 0x7 << RASRTEXShift
	RASRAPShift   = 24
	RASRAPMask    = 0x7 << RASRAPShift
	RASRXN        = 1 << 28
)

// Access permission encodings (privileged/unprivileged).
const (
	APNoAccess = 0b000
	APPrivRW   = 0b001
	APFull     = 0b011
	APPrivRO   = 0b101
	APReadOnly = 0b110
)

// MinRegionSizeLog2 is the smallest region ARMv7-M supports (32 bytes).
const MinRegionSizeLog2 = 5
