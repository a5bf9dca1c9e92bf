// Package tally holds the collaborators around the radio driver: the clocked
// sender loop that pushes counter payloads over the air, the listener that
// consumes received payloads, and the shared link statistics that the display
// and TUI render from.
package tally

import (
	"context"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"periph.io/x/conn/v3/gpio"
)

// Radio is the transmit-side surface the sender needs.
type Radio interface {
	Send(payload []byte) error
	RSSI() (int, error)
	SNR() (float64, error)
}

// ReceiveRadio adds the receive-side surface for the listener.
type ReceiveRadio interface {
	Radio
	OnReceive(cb func(payload []byte)) error
	Receive() error
	Dropped() int
}

// DefaultInterval is the half-period of the send clock: the clock toggles
// every interval, so a packet goes out every two.
const DefaultInterval = time.Second

// Sender runs the tally transmit loop: a square clock whose level is
// mirrored onto the blink pins, with an incrementing counter payload sent on
// every rising edge.
type Sender struct {
	radio    Radio
	stats    *Stats
	blink    []gpio.PinOut
	interval time.Duration

	counter int
	clock   bool
}

func NewSender(radio Radio, stats *Stats, blink []gpio.PinOut, interval time.Duration) *Sender {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sender{radio: radio, stats: stats, blink: blink, interval: interval}
}

// Run drives the clock until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick advances the clock one half-period.
func (s *Sender) tick() {
	s.clock = !s.clock
	for _, pin := range s.blink {
		if err := pin.Out(gpio.Level(s.clock)); err != nil {
			log.Errorf("tally: blink pin %s: %v", pin, err)
		}
	}
	s.stats.setClock(s.clock)
	if !s.clock {
		return
	}

	s.counter++
	payload := strconv.Itoa(s.counter)
	if err := s.radio.Send([]byte(payload)); err != nil {
		// No retry: the next edge sends the next counter value.
		log.Errorf("tally: send %q: %v", payload, err)
		return
	}
	log.Infof("SEND: %s", payload)
	s.stats.recordSent(payload)
}

// Listener subscribes to the radio and folds received payloads into Stats.
type Listener struct {
	radio ReceiveRadio
	stats *Stats
}

func NewListener(radio ReceiveRadio, stats *Stats) *Listener {
	return &Listener{radio: radio, stats: stats}
}

// Start installs the receive callback and switches the radio to continuous
// receive.
func (l *Listener) Start() error {
	if err := l.radio.OnReceive(l.handle); err != nil {
		return err
	}
	return l.radio.Receive()
}

// Stop detaches the receive callback. The radio mode is left alone.
func (l *Listener) Stop() error {
	return l.radio.OnReceive(nil)
}

func (l *Listener) handle(payload []byte) {
	rssi, err := l.radio.RSSI()
	if err != nil {
		log.Errorf("tally: rssi: %v", err)
	}
	snr, err := l.radio.SNR()
	if err != nil {
		log.Errorf("tally: snr: %v", err)
	}
	log.Infof("RECV: %s (rssi %d dBm, snr %.2f dB)", payload, rssi, snr)
	l.stats.recordReceived(string(payload), rssi, snr)
	l.stats.setDropped(l.radio.Dropped())
}
