package sx127x

import (
	"errors"
	"math"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Frequency:       868.0,
		Bandwidth:       250000,
		SpreadingFactor: 10,
		CodingRate:      5,
		PreambleLength:  4,
		SyncWord:        0x12,
		TxPower:         17,
		PABoost:         true,
	}
}

func newTestRadio(t *testing.T, cfg Config) (*Radio, *chipSim) {
	t.Helper()
	sim := newChipSim()
	r, err := New(sim, nil, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, sim
}

func TestNewRejectsWrongVersion(t *testing.T) {
	sim := newChipSim()
	sim.setReg(REG_VERSION, 0x22)
	if _, err := New(sim, nil, testConfig()); !errors.Is(err, ErrNotDetected) {
		t.Fatalf("New with bad version = %v, want ErrNotDetected", err)
	}
	// The identity check must happen before any configuration write.
	if got := len(sim.writes); got != 0 {
		t.Errorf("wrote %d registers before failing the identity check", got)
	}
}

func TestNewValidatesBeforeWriting(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want error
	}{
		{"zero frequency", func(c *Config) { c.Frequency = 0 }, ErrNoFrequency},
		{"sf too low", func(c *Config) { c.SpreadingFactor = 5 }, ErrSpreadingFactor},
		{"sf too high", func(c *Config) { c.SpreadingFactor = 13 }, ErrSpreadingFactor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := newChipSim()
			cfg := testConfig()
			tt.mod(&cfg)
			if _, err := New(sim, nil, cfg); !errors.Is(err, tt.want) {
				t.Fatalf("New = %v, want %v", err, tt.want)
			}
			if got := len(sim.writes); got != 0 {
				t.Errorf("invalid config still wrote %d registers", got)
			}
		})
	}
}

func TestFrequencyRoundTrip(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())
	for _, mhz := range []float64{433.0, 779.0, 868.0, 868.3, 915.0} {
		if err := r.SetFrequency(mhz); err != nil {
			t.Fatalf("SetFrequency(%v): %v", mhz, err)
		}
		steps := uint32(sim.reg(REG_FRFMSB))<<16 | uint32(sim.reg(REG_FRFMID))<<8 | uint32(sim.reg(REG_FRFLSB))
		decoded := float64(steps) * freqStep
		if diff := math.Abs(decoded - mhz*1e6); diff > freqStep/2 {
			t.Errorf("frequency %v MHz: decoded %.3f Hz, off by %.3f Hz", mhz, decoded, diff)
		}
	}
}

func TestSpreadingFactorOutOfRangeLeavesRegistersUntouched(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())
	before := [3]byte{sim.reg(REG_DETECTIONOPTIMIZE), sim.reg(REG_DETECTIONTHRESHOLD), sim.reg(REG_MODEMCONFIG2)}
	writes := len(sim.writes)
	for _, sf := range []int{0, 5, 13} {
		if err := r.SetSpreadingFactor(sf); !errors.Is(err, ErrSpreadingFactor) {
			t.Fatalf("SetSpreadingFactor(%d) = %v, want ErrSpreadingFactor", sf, err)
		}
	}
	after := [3]byte{sim.reg(REG_DETECTIONOPTIMIZE), sim.reg(REG_DETECTIONTHRESHOLD), sim.reg(REG_MODEMCONFIG2)}
	if before != after {
		t.Errorf("registers changed on rejected spreading factor: %v -> %v", before, after)
	}
	if len(sim.writes) != writes {
		t.Errorf("rejected spreading factor issued %d writes", len(sim.writes)-writes)
	}
}

func TestSpreadingFactorErrataRegisters(t *testing.T) {
	tests := []struct {
		sf        int
		optimize  byte
		threshold byte
	}{
		{6, 0xC5, 0x0C},
		{7, 0xC3, 0x0A},
		{12, 0xC3, 0x0A},
	}
	for _, tt := range tests {
		r, sim := newTestRadio(t, testConfig())
		if err := r.SetSpreadingFactor(tt.sf); err != nil {
			t.Fatalf("SetSpreadingFactor(%d): %v", tt.sf, err)
		}
		if got := sim.reg(REG_DETECTIONOPTIMIZE); got != tt.optimize {
			t.Errorf("sf %d: detection optimize = %#02x, want %#02x", tt.sf, got, tt.optimize)
		}
		if got := sim.reg(REG_DETECTIONTHRESHOLD); got != tt.threshold {
			t.Errorf("sf %d: detection threshold = %#02x, want %#02x", tt.sf, got, tt.threshold)
		}
		if got := sim.reg(REG_MODEMCONFIG2) >> 4; got != byte(tt.sf) {
			t.Errorf("sf %d: modem config 2 high nibble = %d", tt.sf, got)
		}
	}
}

func TestBandwidthSelectsSmallestCoveringStep(t *testing.T) {
	tests := []struct {
		request int
		index   byte
	}{
		{7800, 0},
		{10000, 1},
		{100000, 7}, // next step up is 125 kHz
		{125000, 7},
		{250000, 8},
		{250001, 9}, // beyond the table: reserved index, kept as-is
		{500000, 9},
	}
	r, sim := newTestRadio(t, testConfig())
	for _, tt := range tests {
		// Seed the low nibble to verify it is preserved.
		sim.setReg(REG_MODEMCONFIG1, sim.reg(REG_MODEMCONFIG1)&0xF0|0x02)
		if err := r.SetBandwidth(tt.request); err != nil {
			t.Fatalf("SetBandwidth(%d): %v", tt.request, err)
		}
		conf := sim.reg(REG_MODEMCONFIG1)
		if got := conf >> 4; got != tt.index {
			t.Errorf("bandwidth %d: index %d, want %d", tt.request, got, tt.index)
		}
		if conf&0x0F != 0x02 {
			t.Errorf("bandwidth %d: low nibble clobbered: %#02x", tt.request, conf)
		}
	}
}

func TestCodingRateClampsAndPreservesBits(t *testing.T) {
	tests := []struct {
		denom int
		bits  byte // encoded (denom-4) field
	}{
		{4, 1}, // clamped up to 5
		{5, 1},
		{8, 4},
		{11, 4}, // clamped down to 8
	}
	r, sim := newTestRadio(t, testConfig())
	for _, tt := range tests {
		sim.setReg(REG_MODEMCONFIG1, 0xF1)
		if err := r.SetCodingRate(tt.denom); err != nil {
			t.Fatalf("SetCodingRate(%d): %v", tt.denom, err)
		}
		conf := sim.reg(REG_MODEMCONFIG1)
		if got := conf >> 1 & 0x07; got != tt.bits {
			t.Errorf("coding rate %d: field %d, want %d", tt.denom, got, tt.bits)
		}
		if conf&0xF1 != 0xF1 {
			t.Errorf("coding rate %d: neighbouring bits clobbered: %#02x", tt.denom, conf)
		}
	}
}

func TestPreambleLengthSplit(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())
	if err := r.SetPreambleLength(0x1234); err != nil {
		t.Fatal(err)
	}
	if msb, lsb := sim.reg(REG_PREAMBLEMSB), sim.reg(REG_PREAMBLELSB); msb != 0x12 || lsb != 0x34 {
		t.Errorf("preamble registers = %#02x %#02x, want 0x12 0x34", msb, lsb)
	}
}

func TestTxPowerEncodings(t *testing.T) {
	tests := []struct {
		level int
		boost bool
		want  byte
	}{
		{0, false, 0x70},
		{14, false, 0x7E},
		{20, false, 0x7E}, // clamped to 14 on the RFO path
		{-1, false, 0x70},
		{2, true, 0x80},
		{17, true, 0x8F},
		{0, true, 0x80},  // clamped to 2 on the boost path
		{24, true, 0x8F}, // clamped to 17
	}
	r, sim := newTestRadio(t, testConfig())
	for _, tt := range tests {
		if err := r.SetTxPower(tt.level, tt.boost); err != nil {
			t.Fatalf("SetTxPower(%d, %v): %v", tt.level, tt.boost, err)
		}
		if got := sim.reg(REG_PACONFIG); got != tt.want {
			t.Errorf("SetTxPower(%d, %v): pa config %#02x, want %#02x", tt.level, tt.boost, got, tt.want)
		}
	}
}

func TestSendFillsFifoAndClearsTxDone(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())
	payload := []byte("tally 42")
	if err := r.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i, b := range payload {
		if sim.fifo[TX_BASE_ADDR+i] != b {
			t.Fatalf("fifo[%d] = %#02x, want %#02x", i, sim.fifo[TX_BASE_ADDR+i], b)
		}
	}
	if got := sim.reg(REG_PAYLOADLENGTH); got != byte(len(payload)) {
		t.Errorf("payload length register = %d, want %d", got, len(payload))
	}
	if sim.reg(REG_IRQFLAGS)&IRQ_TX_DONE != 0 {
		t.Error("tx done flag not cleared after Send")
	}
}

func TestSendPayloadBoundary(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())

	if err := r.Send(make([]byte, MaxPayloadLength)); err != nil {
		t.Fatalf("Send of maximum payload: %v", err)
	}

	fifoWrites := sim.countWrites(REG_FIFO)
	err := r.Send(make([]byte, MaxPayloadLength+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized Send = %v, want ErrPayloadTooLarge", err)
	}
	if got := sim.countWrites(REG_FIFO); got != fifoWrites {
		t.Errorf("oversized Send still wrote %d fifo bytes", got-fifoWrites)
	}
}

func TestWritePacketKeepsEarlierBytes(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())
	if err := r.BeginPacket(); err != nil {
		t.Fatal(err)
	}
	if err := r.WritePacket(make([]byte, 200)); err != nil {
		t.Fatal(err)
	}
	if err := r.WritePacket(make([]byte, 100)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("overflowing WritePacket = %v, want ErrPayloadTooLarge", err)
	}
	if got := sim.reg(REG_PAYLOADLENGTH); got != 200 {
		t.Errorf("payload length register = %d, want the 200 bytes already buffered", got)
	}
}

func TestEndPacketTimesOut(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())
	sim.failTx = true
	if err := r.BeginPacket(); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := r.EndPacket(20 * time.Millisecond); !errors.Is(err, ErrTxTimeout) {
		t.Fatalf("EndPacket = %v, want ErrTxTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("EndPacket took %v, poll not bounded by timeout", elapsed)
	}
}

func TestRSSIOffsetDependsOnFrequency(t *testing.T) {
	tests := []struct {
		mhz  float64
		raw  byte
		want int
	}{
		{868.0, 100, -57},
		{779.0, 100, -57},
		{433.0, 100, -64},
	}
	for _, tt := range tests {
		cfg := testConfig()
		cfg.Frequency = tt.mhz
		r, sim := newTestRadio(t, cfg)
		sim.setReg(REG_PKTRSSIVALUE, tt.raw)
		got, err := r.RSSI()
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("RSSI at %.1f MHz raw %d = %d, want %d", tt.mhz, tt.raw, got, tt.want)
		}
	}
}

func TestSNRIsSignedQuarterDB(t *testing.T) {
	tests := []struct {
		raw  byte
		want float64
	}{
		{40, 10.0},
		{0xD8, -10.0}, // -40 as a signed byte
		{0, 0},
	}
	r, sim := newTestRadio(t, testConfig())
	for _, tt := range tests {
		sim.setReg(REG_PKTSNRVALUE, tt.raw)
		got, err := r.SNR()
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("SNR raw %#02x = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestImplicitHeaderIsIdempotent(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())
	writes := sim.countWrites(REG_MODEMCONFIG1)

	if err := r.SetImplicitHeader(false); err != nil {
		t.Fatal(err)
	}
	if got := sim.countWrites(REG_MODEMCONFIG1); got != writes {
		t.Errorf("setting the cached header mode issued %d writes", got-writes)
	}

	if err := r.SetImplicitHeader(true); err != nil {
		t.Fatal(err)
	}
	if got := sim.countWrites(REG_MODEMCONFIG1); got != writes+1 {
		t.Errorf("toggling header mode issued %d writes, want 1", got-writes)
	}
	if sim.reg(REG_MODEMCONFIG1)&0x01 == 0 {
		t.Error("implicit header bit not set")
	}
}

func TestSyncWordWrittenVerbatim(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())
	if err := r.SetSyncWord(0xAB); err != nil {
		t.Fatal(err)
	}
	if got := sim.reg(REG_SYNCWORD); got != 0xAB {
		t.Errorf("sync word register = %#02x, want 0xAB", got)
	}
}

func TestCRCToggleSharesModemConfig2(t *testing.T) {
	r, sim := newTestRadio(t, testConfig())
	before := sim.reg(REG_MODEMCONFIG2)
	if err := r.SetCRC(true); err != nil {
		t.Fatal(err)
	}
	if got := sim.reg(REG_MODEMCONFIG2); got != before|0x04 {
		t.Errorf("crc on: modem config 2 = %#02x, want %#02x", got, before|0x04)
	}
	if err := r.SetCRC(false); err != nil {
		t.Fatal(err)
	}
	if got := sim.reg(REG_MODEMCONFIG2); got != before&0xFB {
		t.Errorf("crc off: modem config 2 = %#02x, want %#02x", got, before&0xFB)
	}
}
