// Package dgtlink implements the DGT3000 link layer: dual-I2C framing,
// CRC-8-ATM, ACK tracking, the wake-up ping handshake, the configure
// sequence, and inbound time/button/ACK/ping frame parsing.
package dgtlink

import "time"

// I2C addresses of interest.
const (
	MasterTargetAddr uint8 = 0x08 // clock, normal operation
	WakeUpAddr       uint8 = 0x28 // wake-up alias
	SlaveDataAddr    uint8 = 0x00 // time/button listen address
	SlaveAckAddr     uint8 = 0x10 // ACK/ping-response listen address
)

// Command codes.
const (
	CmdChangeState       uint8 = 0x0B
	CmdSetCentralControl uint8 = 0x0F
	CmdSetAndRun         uint8 = 0x0A
	CmdEndDisplay        uint8 = 0x07
	CmdDisplay           uint8 = 0x06
	CmdPing              uint8 = 0x0D
)

// wakeUpResponseMarker is the inbound frame type byte for a ping response.
const wakeUpResponseMarker uint8 = 0x02

// frameLead is the fixed first byte of every command frame sent to the clock.
const frameLead uint8 = 0x20

// crcSeedAddr is the destination address byte consumed by the CRC before
// any frame bytes (seeded by first consuming the destination address
// byte 0x10, which is itself never transmitted).
const crcSeedAddr uint8 = 0x10

// MasterBus is the master-mode I2C peripheral used to transmit command
// frames to the clock at 100kHz.
type MasterBus interface {
	// Tx writes w to addr. The clock never returns data on the master
	// transaction itself (responses arrive asynchronously on SlaveBus).
	Tx(addr uint8, w []byte) error
}

// SlaveBus is the slave/target-mode I2C peripheral that listens for the
// clock's unsolicited pushes. Only one address is bound at a time; Listen
// tears down and re-initializes the peripheral at the new address,
// separated by a settle delay.
type SlaveBus interface {
	// Listen rebinds the slave address, settling for at least settle
	// before returning.
	Listen(addr uint8, settle time.Duration) error
	// SetRxHandler installs the callback invoked by the peripheral on each
	// inbound frame. The callback runs interrupt-adjacent: it must not
	// block or acquire any lock held elsewhere.
	SetRxHandler(func(frame []byte))
}
