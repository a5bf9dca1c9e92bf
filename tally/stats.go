package tally

import (
	"sync"
	"time"
)

// historyCap bounds the RSSI/SNR histories kept for the TUI plot.
const historyCap = 120

// Stats is the mutable link state shared between the sender or listener and
// whatever renders it. All access goes through methods; renderers take a
// Snapshot.
type Stats struct {
	mu           sync.Mutex
	start        time.Time
	sent         int
	received     int
	dropped      int
	lastSent     string
	lastReceived string
	clock        bool
	rssi         []float64
	snr          []float64
}

// Snapshot is a point-in-time copy of Stats, safe to read without locking.
type Snapshot struct {
	Sent         int
	Received     int
	Dropped      int
	LastSent     string
	LastReceived string
	Clock        bool
	Uptime       time.Duration
	RSSI         []float64
	SNR          []float64
}

func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Sent:         s.sent,
		Received:     s.received,
		Dropped:      s.dropped,
		LastSent:     s.lastSent,
		LastReceived: s.lastReceived,
		Clock:        s.clock,
		Uptime:       time.Since(s.start),
		RSSI:         append([]float64(nil), s.rssi...),
		SNR:          append([]float64(nil), s.snr...),
	}
}

func (s *Stats) recordSent(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	s.lastSent = payload
}

func (s *Stats) recordReceived(payload string, rssi int, snr float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	s.lastReceived = payload
	s.rssi = appendBounded(s.rssi, float64(rssi))
	s.snr = appendBounded(s.snr, snr)
}

func (s *Stats) setDropped(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = n
}

func (s *Stats) setClock(high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = high
}

func appendBounded(hist []float64, v float64) []float64 {
	hist = append(hist, v)
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	return hist
}
