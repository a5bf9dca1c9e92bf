package config

import (
	"time"

	"github.com/martinmmi/tallyWAN/sx127x"
)

type RadioConf struct {
	Frequency       float64 `koanf:"frequency"`
	Bandwidth       int     `koanf:"bandwidth"`
	SpreadingFactor int     `koanf:"spreading_factor"`
	CodingRate      int     `koanf:"coding_rate"`
	PreambleLength  int     `koanf:"preamble_length"`
	CRC             bool    `koanf:"crc"`
	SyncWord        int     `koanf:"sync_word"`
	Implicit        bool    `koanf:"implicit"`
	TxPower         int     `koanf:"tx_power"`
	PABoost         bool    `koanf:"pa_boost"`
	TxTimeoutMs     int     `koanf:"tx_timeout_ms"`
}

type BusConf struct {
	SPIPort  string `koanf:"spi_port"`
	SpeedMHz int    `koanf:"speed_mhz"`
	CSPin    string `koanf:"cs_pin"`
	IRQPin   string `koanf:"irq_pin"`
}

type TallyConf struct {
	IntervalMs int      `koanf:"interval_ms"`
	BlinkPins  []string `koanf:"blink_pins"`
}

type DisplayConf struct {
	Enable bool   `koanf:"enable"`
	I2CBus string `koanf:"i2c_bus"`
}

type TuiConf struct {
	Enable          bool `koanf:"enable"`
	RefreshMs       int  `koanf:"refresh_ms"`
	EnableLogOutput bool `koanf:"enable_log_output"`
}

// ApplyDefaults fills unset fields with the values the original tallyWAN
// firmware shipped with.
func (c *RadioConf) ApplyDefaults() {
	if c.Frequency == 0 {
		c.Frequency = 915.0
	}
	if c.Bandwidth == 0 {
		c.Bandwidth = 250000
	}
	if c.SpreadingFactor == 0 {
		c.SpreadingFactor = 10
	}
	if c.CodingRate == 0 {
		c.CodingRate = 5
	}
	if c.PreambleLength == 0 {
		c.PreambleLength = 4
	}
	if c.SyncWord == 0 {
		c.SyncWord = 0x12
	}
	if c.TxPower == 0 {
		c.TxPower = 17
		c.PABoost = true
	}
}

func (c *BusConf) ApplyDefaults() {
	if c.SpeedMHz == 0 {
		c.SpeedMHz = 10
	}
}

func (c *TuiConf) ApplyDefaults() {
	if c.RefreshMs == 0 {
		c.RefreshMs = 500
	}
}

// Driver maps the file-level settings onto the driver's Config.
func (c RadioConf) Driver() sx127x.Config {
	return sx127x.Config{
		Frequency:       c.Frequency,
		Bandwidth:       c.Bandwidth,
		SpreadingFactor: c.SpreadingFactor,
		CodingRate:      c.CodingRate,
		PreambleLength:  uint16(c.PreambleLength),
		CRC:             c.CRC,
		SyncWord:        byte(c.SyncWord),
		Implicit:        c.Implicit,
		TxPower:         c.TxPower,
		PABoost:         c.PABoost,
		TxTimeout:       time.Duration(c.TxTimeoutMs) * time.Millisecond,
	}
}
