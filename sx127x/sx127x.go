// Package sx127x drives a Semtech SX127x LoRa transceiver (HopeRF RFM9x and
// friends) over a register-level SPI transport.
//
// Datasheet: https://semtech.my.salesforce.com/sfc/p/#E0000000JelG/a/2R0000001Rbr/6EfVZUorrpoKFfvaF_Fkpgp5kzjiNyiAbqcpqh9qSjE
//
// The chip does all the LoRa modulation itself; this package only translates
// semantic radio parameters into register bitfields, moves payloads through
// the chip FIFO, and decodes the link-quality registers. There is exactly one
// bus and one chip, and several configuration paths read-modify-write shared
// registers across two bus transactions, so every operation holds the radio
// mutex for its full sequence.
package sx127x

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"periph.io/x/conn/v3/gpio"
)

var (
	ErrNotDetected     = errors.New("sx127x not detected")
	ErrNoFrequency     = errors.New("frequency mandatory")
	ErrSpreadingFactor = errors.New("spreading factor must be between 6 and 12")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrTxTimeout       = errors.New("timeout waiting for tx done")
)

// DefaultTxTimeout bounds EndPacket when the Config leaves TxTimeout zero.
// A full-length packet at SF12/7.8kHz stays well under this.
const DefaultTxTimeout = 10 * time.Second

// Config carries the semantic radio parameters. The zero value is not
// usable: Frequency is mandatory because permitted bands vary by region.
type Config struct {
	// Frequency is the center frequency in MHz, e.g. 868.0.
	Frequency float64
	// Bandwidth is the signal bandwidth in Hz, one of the 9 discrete
	// steps between 7800 and 250000. Intermediate values select the next
	// step up.
	Bandwidth int
	// SpreadingFactor trades bit rate for sensitivity. Valid 6-12.
	SpreadingFactor int
	// CodingRate is the FEC denominator, clamped to 5-8 (4/5 .. 4/8).
	CodingRate int
	// PreambleLength in symbols.
	PreambleLength uint16
	// CRC enables the payload CRC on transmit.
	CRC bool
	// SyncWord separates networks sharing a band. 0x12 is the usual
	// private-network value, 0x34 is reserved for LoRaWAN.
	SyncWord byte
	// Implicit selects implicit header mode (fixed, pre-agreed payload
	// length instead of an in-band header).
	Implicit bool
	// TxPower in dBm. Range 0-14 on the RFO pin, 2-17 with PABoost.
	// Out-of-range values are clamped.
	TxPower int
	// PABoost routes the PA through the boost pin.
	PABoost bool
	// TxTimeout bounds the wait for transmit completion in Send.
	TxTimeout time.Duration
}

func (c Config) validate() error {
	if c.Frequency == 0 {
		return ErrNoFrequency
	}
	if c.SpreadingFactor < 6 || c.SpreadingFactor > 12 {
		return ErrSpreadingFactor
	}
	return nil
}

// Radio is a single SX127x chip. It exclusively owns its Transport and all
// cached state; construct one per chip with New.
type Radio struct {
	mu sync.Mutex
	t  Transport

	frequency float64 // MHz, cached to pick the RSSI offset
	implicit  bool
	txTimeout time.Duration

	// receive path, see receiver.go
	irq     gpio.PinIn
	rxq     chan []byte
	stop    chan struct{}
	wg      sync.WaitGroup
	dropped int
}

// New checks the chip identity, applies cfg and leaves the radio in standby.
// The whole Config is validated before the first register write, so an
// invalid parameter never leaves the chip half-configured.
//
// irq is the GPIO wired to DIO0 and is only needed for OnReceive; pass nil
// for a transmit-only radio.
func New(t Transport, irq gpio.PinIn, cfg Config) (*Radio, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	v, err := t.ReadRegister(REG_VERSION)
	if err != nil {
		return nil, err
	}
	if v != VERSION {
		return nil, fmt.Errorf("%w: version register %#02x, want %#02x", ErrNotDetected, v, VERSION)
	}
	log.Debugf("sx127x: detected chip, version %#02x", v)

	r := &Radio{
		t:         t,
		irq:       irq,
		txTimeout: cfg.TxTimeout,
	}
	if r.txTimeout == 0 {
		r.txTimeout = DefaultTxTimeout
	}

	// Long-range mode can only be flipped from sleep.
	if err := r.setMode(MODE_SLEEP); err != nil {
		return nil, err
	}
	if err := r.setFrequency(cfg.Frequency); err != nil {
		return nil, err
	}
	if err := r.setBandwidth(cfg.Bandwidth); err != nil {
		return nil, err
	}
	if err := r.setSpreadingFactor(cfg.SpreadingFactor); err != nil {
		return nil, err
	}
	if err := r.setCodingRate(cfg.CodingRate); err != nil {
		return nil, err
	}
	if err := r.setPreambleLength(cfg.PreambleLength); err != nil {
		return nil, err
	}
	if err := r.setCRC(cfg.CRC); err != nil {
		return nil, err
	}

	// Max LNA gain with boost current, and automatic gain control so the
	// LNA setting is actually managed by the modem.
	lna, err := t.ReadRegister(REG_LNA)
	if err != nil {
		return nil, err
	}
	if err := t.WriteRegister(REG_LNA, lna|0x03); err != nil {
		return nil, err
	}
	if err := t.WriteRegister(REG_MODEMCONFIG3, 0x04); err != nil {
		return nil, err
	}

	if err := r.setTxPower(cfg.TxPower, cfg.PABoost); err != nil {
		return nil, err
	}
	// The chip resets to explicit header mode, which is what the cache
	// starts out as, so this writes only when implicit is requested.
	if err := r.setImplicitHeader(cfg.Implicit); err != nil {
		return nil, err
	}
	if err := r.setSyncWord(cfg.SyncWord); err != nil {
		return nil, err
	}

	if err := t.WriteRegister(REG_FIFOTXBASEADDR, TX_BASE_ADDR); err != nil {
		return nil, err
	}
	if err := t.WriteRegister(REG_FIFORXBASEADDR, RX_BASE_ADDR); err != nil {
		return nil, err
	}

	if err := r.setMode(MODE_STDBY); err != nil {
		return nil, err
	}
	return r, nil
}

// Sleep puts the chip in its lowest-power mode. Configuration is retained.
func (r *Radio) Sleep() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setMode(MODE_SLEEP)
}

// Standby stops any reception or transmission in progress.
func (r *Radio) Standby() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setMode(MODE_STDBY)
}

// Receive switches to continuous receive. The chip stays there until
// another mode transition is requested explicitly.
func (r *Radio) Receive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setMode(MODE_RX_CONTINUOUS)
}

func (r *Radio) setMode(mode byte) error {
	return r.t.WriteRegister(REG_OPMODE, MODE_LONG_RANGE|mode)
}

// SetFrequency retunes the synthesizer. freq is in MHz.
func (r *Radio) SetFrequency(freq float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setFrequency(freq)
}

func (r *Radio) setFrequency(freq float64) error {
	if freq == 0 {
		return ErrNoFrequency
	}
	hz := freq * 1000000.0
	steps := uint32(math.Round(hz / freqStep))
	if err := r.t.WriteRegister(REG_FRFMSB, byte(steps>>16)); err != nil {
		return err
	}
	if err := r.t.WriteRegister(REG_FRFMID, byte(steps>>8)); err != nil {
		return err
	}
	if err := r.t.WriteRegister(REG_FRFLSB, byte(steps)); err != nil {
		return err
	}
	r.frequency = freq
	log.Debugf("sx127x: frequency %.3f MHz -> %#06x", freq, steps)
	return nil
}

// SetBandwidth selects the smallest supported bandwidth step that covers
// bw (Hz). Requests above 250 kHz fall onto the reserved encoding 9, which
// the chip map defines but the datasheet does not document; that behaviour
// is inherited from the reference implementation and kept.
func (r *Radio) SetBandwidth(bw int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setBandwidth(bw)
}

func (r *Radio) setBandwidth(bw int) error {
	idx := 9
	for i, step := range bwSteps {
		if bw <= step {
			idx = i
			break
		}
	}
	conf, err := r.t.ReadRegister(REG_MODEMCONFIG1)
	if err != nil {
		return err
	}
	return r.t.WriteRegister(REG_MODEMCONFIG1, conf&0x0F|byte(idx)<<4)
}

// SetSpreadingFactor sets the LoRa spreading factor, 6 through 12. SF6 also
// needs implicit header mode and a fixed detection threshold per the errata,
// which is written here.
func (r *Radio) SetSpreadingFactor(sf int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setSpreadingFactor(sf)
}

func (r *Radio) setSpreadingFactor(sf int) error {
	if sf < 6 || sf > 12 {
		return ErrSpreadingFactor
	}
	optimize, threshold := byte(0xC3), byte(0x0A)
	if sf == 6 {
		optimize, threshold = 0xC5, 0x0C
	}
	if err := r.t.WriteRegister(REG_DETECTIONOPTIMIZE, optimize); err != nil {
		return err
	}
	if err := r.t.WriteRegister(REG_DETECTIONTHRESHOLD, threshold); err != nil {
		return err
	}
	conf, err := r.t.ReadRegister(REG_MODEMCONFIG2)
	if err != nil {
		return err
	}
	return r.t.WriteRegister(REG_MODEMCONFIG2, conf&0x0F|byte(sf)<<4&0xF0)
}

// SetCodingRate sets the FEC rate 4/denom. denom is clamped to 5-8.
func (r *Radio) SetCodingRate(denom int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setCodingRate(denom)
}

func (r *Radio) setCodingRate(denom int) error {
	if denom < 5 {
		denom = 5
	}
	if denom > 8 {
		denom = 8
	}
	conf, err := r.t.ReadRegister(REG_MODEMCONFIG1)
	if err != nil {
		return err
	}
	return r.t.WriteRegister(REG_MODEMCONFIG1, conf&0xF1|byte(denom-4)<<1)
}

// SetPreambleLength sets the preamble length in symbols.
func (r *Radio) SetPreambleLength(n uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setPreambleLength(n)
}

func (r *Radio) setPreambleLength(n uint16) error {
	if err := r.t.WriteRegister(REG_PREAMBLEMSB, byte(n>>8)); err != nil {
		return err
	}
	return r.t.WriteRegister(REG_PREAMBLELSB, byte(n))
}

// SetCRC toggles the payload CRC on transmitted packets.
func (r *Radio) SetCRC(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setCRC(on)
}

func (r *Radio) setCRC(on bool) error {
	conf, err := r.t.ReadRegister(REG_MODEMCONFIG2)
	if err != nil {
		return err
	}
	if on {
		conf |= 0x04
	} else {
		conf &= 0xFB
	}
	return r.t.WriteRegister(REG_MODEMCONFIG2, conf)
}

// SetSyncWord sets the byte used to reject packets from other networks on
// the same band.
func (r *Radio) SetSyncWord(sw byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setSyncWord(sw)
}

func (r *Radio) setSyncWord(sw byte) error {
	return r.t.WriteRegister(REG_SYNCWORD, sw)
}

// SetImplicitHeader switches between explicit and implicit header mode.
// Setting the mode already in effect issues no bus traffic.
func (r *Radio) SetImplicitHeader(implicit bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setImplicitHeader(implicit)
}

func (r *Radio) setImplicitHeader(implicit bool) error {
	if r.implicit == implicit {
		return nil
	}
	conf, err := r.t.ReadRegister(REG_MODEMCONFIG1)
	if err != nil {
		return err
	}
	if implicit {
		conf |= 0x01
	} else {
		conf &= 0xFE
	}
	if err := r.t.WriteRegister(REG_MODEMCONFIG1, conf); err != nil {
		return err
	}
	r.implicit = implicit
	return nil
}

// SetTxPower sets the output power in dBm. With boost the PA_BOOST pin is
// used and level is clamped to 2-17; without it the RFO pin is used and
// level is clamped to 0-14.
func (r *Radio) SetTxPower(level int, boost bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setTxPower(level, boost)
}

func (r *Radio) setTxPower(level int, boost bool) error {
	if !boost {
		level = clamp(level, 0, 14)
		return r.t.WriteRegister(REG_PACONFIG, 0x70|byte(level))
	}
	level = clamp(level, 2, 17)
	return r.t.WriteRegister(REG_PACONFIG, PA_BOOST|byte(level-2))
}

// BeginPacket moves to standby and resets the FIFO for a fresh payload.
// Packet assembly only happens from a known mode.
func (r *Radio) BeginPacket() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beginPacket()
}

func (r *Radio) beginPacket() error {
	if err := r.setMode(MODE_STDBY); err != nil {
		return err
	}
	if err := r.t.WriteRegister(REG_FIFOADDRPTR, TX_BASE_ADDR); err != nil {
		return err
	}
	return r.t.WriteRegister(REG_PAYLOADLENGTH, 0)
}

// WritePacket appends p to the packet under assembly. If the total would
// exceed the FIFO window it fails with ErrPayloadTooLarge before touching
// the chip; bytes appended by earlier calls stay in the buffer.
func (r *Radio) WritePacket(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writePacket(p)
}

func (r *Radio) writePacket(p []byte) error {
	n, err := r.t.ReadRegister(REG_PAYLOADLENGTH)
	if err != nil {
		return err
	}
	if int(n)+len(p) > MaxPayloadLength {
		return fmt.Errorf("%w: max payload length is %d", ErrPayloadTooLarge, MaxPayloadLength)
	}
	for _, b := range p {
		if err := r.t.WriteRegister(REG_FIFO, b); err != nil {
			return err
		}
	}
	return r.t.WriteRegister(REG_PAYLOADLENGTH, n+byte(len(p)))
}

// EndPacket fires the transmission and blocks until the chip reports tx
// done, or until timeout elapses (ErrTxTimeout). A timeout of zero uses the
// configured TxTimeout.
func (r *Radio) EndPacket(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endPacket(timeout)
}

func (r *Radio) endPacket(timeout time.Duration) error {
	if timeout == 0 {
		timeout = r.txTimeout
	}
	if err := r.setMode(MODE_TX); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		flags, err := r.t.ReadRegister(REG_IRQFLAGS)
		if err != nil {
			return err
		}
		if flags&IRQ_TX_DONE != 0 {
			return r.t.WriteRegister(REG_IRQFLAGS, IRQ_TX_DONE)
		}
		if time.Now().After(deadline) {
			return ErrTxTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Send transmits payload as one packet, blocking until the chip reports
// completion. The radio is left in standby.
func (r *Radio) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.beginPacket(); err != nil {
		return err
	}
	if err := r.writePacket(payload); err != nil {
		return err
	}
	return r.endPacket(0)
}

// RSSI returns the signal strength of the last received packet in dBm. The
// chip has two internal reference offsets depending on the RF port, picked
// from the configured frequency.
func (r *Radio) RSSI() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := r.t.ReadRegister(REG_PKTRSSIVALUE)
	if err != nil {
		return 0, err
	}
	if r.frequency >= 779.0 {
		return int(raw) - 157, nil
	}
	return int(raw) - 164, nil
}

// SNR returns the signal-to-noise ratio of the last received packet in dB.
func (r *Radio) SNR() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := r.t.ReadRegister(REG_PKTSNRVALUE)
	if err != nil {
		return 0, err
	}
	return float64(int8(raw)) * 0.25, nil
}

// LogRegisters dumps the interesting registers at debug level, handy when
// bringing up new hardware.
func (r *Radio) LogRegisters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := []struct {
		name string
		addr byte
	}{
		{"OPMODE", REG_OPMODE},
		{"FRFMSB", REG_FRFMSB},
		{"FRFMID", REG_FRFMID},
		{"FRFLSB", REG_FRFLSB},
		{"PACONFIG", REG_PACONFIG},
		{"LNA", REG_LNA},
		{"IRQFLAGS", REG_IRQFLAGS},
		{"MODEMCONFIG1", REG_MODEMCONFIG1},
		{"MODEMCONFIG2", REG_MODEMCONFIG2},
		{"MODEMCONFIG3", REG_MODEMCONFIG3},
		{"SYNCWORD", REG_SYNCWORD},
		{"DIOMAPPING1", REG_DIOMAPPING1},
	}
	for _, reg := range regs {
		v, err := r.t.ReadRegister(reg.addr)
		if err != nil {
			log.Errorf("sx127x: read %s: %v", reg.name, err)
			return
		}
		log.Debugf("sx127x: %-12s (%#02x) = %#02x", reg.name, reg.addr, v)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
