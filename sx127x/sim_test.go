package sx127x

import "sync"

// chipSim emulates just enough of the SX127x register file to test the
// driver against: a FIFO behind the auto-incrementing address pointer,
// write-1-to-clear IRQ flags, and instant tx-done when TX mode is entered.
type chipSim struct {
	mu     sync.Mutex
	regs   [0x80]byte
	fifo   [256]byte
	writes []regWrite

	// failTx keeps tx-done from ever being raised, to exercise the
	// transmit timeout.
	failTx bool
}

type regWrite struct {
	addr  byte
	value byte
}

func newChipSim() *chipSim {
	s := &chipSim{}
	s.regs[REG_VERSION] = VERSION
	return s
}

func (s *chipSim) ReadRegister(addr byte) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr == REG_FIFO {
		ptr := s.regs[REG_FIFOADDRPTR]
		s.regs[REG_FIFOADDRPTR] = ptr + 1
		return s.fifo[ptr], nil
	}
	return s.regs[addr], nil
}

func (s *chipSim) WriteRegister(addr byte, value byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, regWrite{addr, value})
	switch addr {
	case REG_FIFO:
		ptr := s.regs[REG_FIFOADDRPTR]
		s.fifo[ptr] = value
		s.regs[REG_FIFOADDRPTR] = ptr + 1
	case REG_IRQFLAGS:
		s.regs[addr] &^= value
	case REG_OPMODE:
		s.regs[addr] = value
		if value&0x07 == MODE_TX && !s.failTx {
			s.regs[REG_IRQFLAGS] |= IRQ_TX_DONE
		}
	default:
		s.regs[addr] = value
	}
	return nil
}

// reg reads a register without FIFO side effects.
func (s *chipSim) reg(addr byte) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[addr]
}

func (s *chipSim) setReg(addr, value byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[addr] = value
}

// countWrites returns how many WriteRegister calls hit addr so far.
func (s *chipSim) countWrites(addr byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if w.addr == addr {
			n++
		}
	}
	return n
}

// loadRx stages a received packet: payload placed in the FIFO window at
// start, the current-receive-address and byte-count registers set, and the
// rx-done IRQ flag raised (plus the CRC-error flag when crcErr is set).
func (s *chipSim) loadRx(payload []byte, start byte, crcErr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.fifo[start:], payload)
	s.regs[REG_FIFORXCURRENTADDR] = start
	s.regs[REG_RXNBBYTES] = byte(len(payload))
	s.regs[REG_IRQFLAGS] |= 0x40
	if crcErr {
		s.regs[REG_IRQFLAGS] |= IRQ_PAYLOAD_CRC_ERROR
	}
}
