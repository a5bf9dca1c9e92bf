package sx127x

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Transport moves single register bytes over the bus. Each call is one
// atomic bus transaction; implementations must not interleave transactions
// from different callers mid-transfer.
type Transport interface {
	ReadRegister(addr byte) (byte, error)
	WriteRegister(addr byte, value byte) error
}

// SPI is the Transport used on real hardware. The wire format is a single
// address byte with the write flag in bit 7, followed by one data byte
// exchanged in the same chip-select window.
//
// cs is optional. When nil the SPI controller's hardware chip-select is
// relied upon; when set the line is gated manually around every exchange,
// for setups where the radio hangs off a spare GPIO instead of a native
// CE line.
type SPI struct {
	conn spi.Conn
	cs   gpio.PinOut
}

// NewSPI wraps an already-connected spi.Conn.
func NewSPI(conn spi.Conn, cs gpio.PinOut) *SPI {
	return &SPI{conn: conn, cs: cs}
}

func (s *SPI) ReadRegister(addr byte) (byte, error) {
	buf := [2]byte{addr &^ 0x80, 0}
	if err := s.exchange(buf[:]); err != nil {
		return 0, fmt.Errorf("sx127x: read reg %#02x: %w", addr, err)
	}
	return buf[1], nil
}

func (s *SPI) WriteRegister(addr byte, value byte) error {
	buf := [2]byte{addr | 0x80, value}
	if err := s.exchange(buf[:]); err != nil {
		return fmt.Errorf("sx127x: write reg %#02x: %w", addr, err)
	}
	return nil
}

func (s *SPI) exchange(buf []byte) error {
	if s.cs != nil {
		if err := s.cs.Out(gpio.Low); err != nil {
			return err
		}
		defer s.cs.Out(gpio.High)
	}
	return s.conn.Tx(buf, buf)
}
