package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/knadh/koanf/parsers/hcl"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/martinmmi/tallyWAN/config"
	"github.com/martinmmi/tallyWAN/display"
	"github.com/martinmmi/tallyWAN/sx127x"
	"github.com/martinmmi/tallyWAN/tally"
	"github.com/martinmmi/tallyWAN/tui"
)

var cli struct {
	Verbose bool `help:"Prints debug output by default"`
	Probe   struct {
	} `cmd:"" help:"Detect the radio and dump its registers"`
	Send struct {
	} `cmd:"" help:"Run the tally sender loop"`
	Listen struct {
	} `cmd:"" help:"Receive tally packets and track link quality"`
}

var configFile = koanf.New(".")

func getConfigPath() string {
	paths := []string{"/etc/tallywan/config.hcl", "~/.config/tallywan/config.hcl", "./config.hcl"}
	for _, path := range paths {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			log.Infof("Found config file: %s", path)
			return path
		}
	}
	log.Info("Config file not found!")
	return ""
}

func loadConfig() {
	if err := configFile.Load(file.Provider(getConfigPath()), hcl.Parser(true)); err != nil {
		log.Errorf("Could not read config file: %v", err)
		log.Error("Attempting to use environment variables")
		configFile.Load(env.Provider("", env.Opt{
			Prefix: "TALLYWAN_",
			TransformFunc: func(k, v string) (string, any) {
				key := strings.ToLower(strings.TrimPrefix(k, "TALLYWAN_"))
				k = strings.Replace(key, "_", ".", 1)
				fmt.Printf("Found config env var: %s=%v\n", k, v)
				return k, v
			},
		}), nil)
	}
}

// openRadio brings up the periph host, the SPI port and the GPIO lines, and
// hands back a configured radio plus a teardown func.
func openRadio() (*sx127x.Radio, func(), error) {
	var busConf config.BusConf
	configFile.Unmarshal("bus", &busConf)
	busConf.ApplyDefaults()

	var radioConf config.RadioConf
	configFile.Unmarshal("radio", &radioConf)
	radioConf.ApplyDefaults()
	log.Debugf("Found radio definition: %##v", radioConf)

	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("init periph host: %w", err)
	}
	port, err := spireg.Open(busConf.SPIPort)
	if err != nil {
		return nil, nil, fmt.Errorf("open spi port %q: %w", busConf.SPIPort, err)
	}
	conn, err := port.Connect(physic.Frequency(busConf.SpeedMHz)*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("connect spi: %w", err)
	}

	var cs gpio.PinOut
	if busConf.CSPin != "" {
		if cs = gpioreg.ByName(busConf.CSPin); cs == nil {
			port.Close()
			return nil, nil, fmt.Errorf("unknown cs pin %q", busConf.CSPin)
		}
	}
	var irq gpio.PinIn
	if busConf.IRQPin != "" {
		if irq = gpioreg.ByName(busConf.IRQPin); irq == nil {
			port.Close()
			return nil, nil, fmt.Errorf("unknown irq pin %q", busConf.IRQPin)
		}
	}

	radio, err := sx127x.New(sx127x.NewSPI(conn, cs), irq, radioConf.Driver())
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	return radio, func() { port.Close() }, nil
}

func blinkPins(conf config.TallyConf) []gpio.PinOut {
	var pins []gpio.PinOut
	for _, name := range conf.BlinkPins {
		pin := gpioreg.ByName(name)
		if pin == nil {
			log.Errorf("Unknown blink pin %q, skipping", name)
			continue
		}
		pins = append(pins, pin)
	}
	return pins
}

// renderLoop keeps the OLED in sync with the link stats, if a panel is
// configured.
func renderLoop(ctx context.Context, stats *tally.Stats) {
	var dispConf config.DisplayConf
	configFile.Unmarshal("display", &dispConf)
	if !dispConf.Enable {
		return
	}
	screen, err := display.Open(dispConf.I2CBus)
	if err != nil {
		log.Errorf("Could not open display: %v", err)
		return
	}
	defer screen.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := screen.Render(stats.Snapshot()); err != nil {
				log.Errorf("Display render: %v", err)
			}
		}
	}
}

func main() {
	log.Info("Starting tallyWAN")
	flags := kong.Parse(&cli)
	if cli.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	loadConfig()

	var tallyConf config.TallyConf
	configFile.Unmarshal("tally", &tallyConf)
	var tuiConf config.TuiConf
	configFile.Unmarshal("tui", &tuiConf)
	tuiConf.ApplyDefaults()

	switch flags.Command() {
	case "probe":
		log.SetLevel(log.DebugLevel)
		radio, closeRadio, err := openRadio()
		if err != nil {
			log.Fatalf("Could not open radio: %v", err)
		}
		defer closeRadio()
		log.Info("Radio detected")
		radio.LogRegisters()

	case "send":
		radio, closeRadio, err := openRadio()
		if err != nil {
			log.Fatalf("Could not open radio: %v", err)
		}
		defer closeRadio()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stats := tally.NewStats()
		interval := time.Duration(tallyConf.IntervalMs) * time.Millisecond
		sender := tally.NewSender(radio, stats, blinkPins(tallyConf), interval)

		go renderLoop(ctx, stats)
		if tuiConf.Enable {
			go sender.Run(ctx)
			tui.StartUI(stats, tuiConf)
		} else if err := sender.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("Sender stopped: %v", err)
		}

	case "listen":
		radio, closeRadio, err := openRadio()
		if err != nil {
			log.Fatalf("Could not open radio: %v", err)
		}
		defer closeRadio()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stats := tally.NewStats()
		listener := tally.NewListener(radio, stats)
		if err := listener.Start(); err != nil {
			log.Fatalf("Could not start listener: %v", err)
		}
		defer listener.Stop()

		go renderLoop(ctx, stats)
		if tuiConf.Enable {
			tui.StartUI(stats, tuiConf)
		} else {
			<-ctx.Done()
		}

	default:
		log.Info("Command not recognized")
	}
}
