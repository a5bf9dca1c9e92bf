package sx127x

// Register map for the SX127x family in LoRa mode. Addresses and reset
// values per the Semtech SX1276/77/78/79 datasheet rev. 7.
const (
	REG_FIFO                = 0x00
	REG_OPMODE              = 0x01
	REG_FRFMSB              = 0x06
	REG_FRFMID              = 0x07
	REG_FRFLSB              = 0x08
	REG_PACONFIG            = 0x09
	REG_LNA                 = 0x0C
	REG_FIFOADDRPTR         = 0x0D
	REG_FIFOTXBASEADDR      = 0x0E
	REG_FIFORXBASEADDR      = 0x0F
	REG_FIFORXCURRENTADDR   = 0x10
	REG_IRQFLAGS            = 0x12
	REG_RXNBBYTES           = 0x13
	REG_PKTRSSIVALUE        = 0x1A
	REG_PKTSNRVALUE         = 0x1B
	REG_MODEMCONFIG1        = 0x1D
	REG_MODEMCONFIG2        = 0x1E
	REG_PREAMBLEMSB         = 0x20
	REG_PREAMBLELSB         = 0x21
	REG_PAYLOADLENGTH       = 0x22
	REG_MODEMCONFIG3        = 0x26
	REG_DETECTIONOPTIMIZE   = 0x31
	REG_DETECTIONTHRESHOLD  = 0x37
	REG_SYNCWORD            = 0x39
	REG_DIOMAPPING1         = 0x40
	REG_VERSION             = 0x42

	// Operating modes, OR'd with the LoRa long-range flag.
	MODE_LONG_RANGE    = 0x80
	MODE_SLEEP         = 0x00
	MODE_STDBY         = 0x01
	MODE_TX            = 0x03
	MODE_RX_CONTINUOUS = 0x05

	// RegIrqFlags bits.
	IRQ_TX_DONE           = 0x08
	IRQ_PAYLOAD_CRC_ERROR = 0x20

	// RegPaConfig.
	PA_BOOST = 0x80

	// Expected RegVersion for the SX1276/77/78/79 silicon.
	VERSION = 0x12

	// FIFO base addresses. The whole 256-byte FIFO is handed to whichever
	// direction is active, matching the reference configuration.
	TX_BASE_ADDR = 0x00
	RX_BASE_ADDR = 0x00

	// Longest payload that fits the FIFO from the TX base address up.
	MaxPayloadLength = 255 - TX_BASE_ADDR
)

// freqStep is the synthesizer resolution: 32 MHz crystal / 2^19.
const freqStep = 61.03515625

// bwSteps is the table of discrete signal bandwidths (Hz). The register
// encoding is the table index; requests above the last entry select the
// reserved index 9, a quirk of the chip map that is kept as-is.
var bwSteps = [9]int{7800, 10400, 15600, 20800, 31250, 41700, 62500, 125000, 250000}
