//go:build rp2040

package dgtlink

import (
	"device/rp"
	"machine"
	"runtime/interrupt"
	"time"
)

// HardwareMaster adapts a TinyGo machine.I2C (master mode, 100kHz) to
// MasterBus.
type HardwareMaster struct {
	bus *machine.I2C
}

// NewHardwareMaster configures bus as a 100kHz I2C master. Grounded on
// soypat-tinygo's machine_rp2040_i2c.go I2C.Configure/Tx pattern.
func NewHardwareMaster(bus *machine.I2C, sda, scl machine.Pin) (*HardwareMaster, error) {
	if err := bus.Configure(machine.I2CConfig{
		Frequency: 100 * machine.KHz,
		SDA:       sda,
		SCL:       scl,
	}); err != nil {
		return nil, err
	}
	return &HardwareMaster{bus: bus}, nil
}

func (m *HardwareMaster) Tx(addr uint8, w []byte) error {
	return m.bus.Tx(uint16(addr), w, nil)
}

// targetRxBufLen bounds a single inbound frame; the longest frame in
// the protocol (the time push, length byte 0x18) is 24 bytes.
const targetRxBufLen = 32

// HardwareSlave drives one of the RP2040's two I2C peripherals in target
// (slave) mode directly via device/rp registers, since TinyGo's machine
// package exposes master mode only. Modeled on soypat-tinygo's register
// access style, inverted for IC_CON.IC_SLAVE_DISABLE=0.
type HardwareSlave struct {
	regs *rp.I2C0_Type
	irq  interrupt.Interrupt

	handler func([]byte)

	buf    [targetRxBufLen]byte
	bufLen int
	addr   uint8
}

// NewHardwareSlave binds regs (rp.I2C0 or rp.I2C1) for target-mode
// operation. irqNum is the peripheral's IRQ number (machine.IRQ_I2C0 or
// machine.IRQ_I2C1).
func NewHardwareSlave(regs *rp.I2C0_Type, irqNum int) *HardwareSlave {
	s := &HardwareSlave{regs: regs}
	s.irq = interrupt.New(irqNum, s.handleIRQ)
	return s
}

func (s *HardwareSlave) SetRxHandler(h func([]byte)) {
	s.handler = h
}

// Listen tears down and rebinds the peripheral to addr in target mode,
// settling for at least settle before returning. A no-op re-bind to the
// currently active address skips the teardown delay so EndDisplay/
// SetAndRun's choice to stay on the data address never pays the settle
// cost.
func (s *HardwareSlave) Listen(addr uint8, settle time.Duration) error {
	if s.addr == addr && s.irq.Enabled() {
		return nil
	}
	s.irq.Disable()
	s.regs.IC_ENABLE.Set(0)

	s.regs.IC_CON.Set(0) // master disabled, slave enabled (IC_SLAVE_DISABLE=0), 7-bit
	s.regs.IC_SAR.Set(uint32(addr))
	s.regs.IC_RX_TL.Set(0)
	s.regs.IC_INTR_MASK.Set(rp.I2C0_IC_INTR_MASK_M_RX_FULL | rp.I2C0_IC_INTR_MASK_M_STOP_DET)

	s.bufLen = 0
	s.addr = addr
	s.regs.IC_ENABLE.Set(1)
	s.irq.SetPriority(0xc0)
	s.irq.Enable()

	if settle > 0 {
		time.Sleep(settle)
	}
	return nil
}

// handleIRQ drains the RX FIFO into buf and, on STOP_DET, dispatches the
// accumulated frame to the registered handler. Interrupt context: no
// locks, no allocation, no blocking.
func (s *HardwareSlave) handleIRQ(intr interrupt.Interrupt) {
	status := s.regs.IC_INTR_STAT.Get()

	if status&rp.I2C0_IC_INTR_STAT_R_RX_FULL != 0 {
		for s.regs.IC_RXFLR.Get() > 0 && s.bufLen < len(s.buf) {
			s.buf[s.bufLen] = uint8(s.regs.IC_DATA_CMD.Get())
			s.bufLen++
		}
	}

	if status&rp.I2C0_IC_INTR_STAT_R_STOP_DET != 0 {
		s.regs.IC_CLR_STOP_DET.Get()
		if s.bufLen > 0 && s.handler != nil {
			// The handler borrows buf for the duration of the call only.
			s.handler(s.buf[:s.bufLen])
		}
		s.bufLen = 0
	}
}
