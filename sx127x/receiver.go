package sx127x

import (
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"periph.io/x/conn/v3/gpio"
)

// ErrNoIRQPin is returned by OnReceive when the radio was constructed
// without a DIO0 pin.
var ErrNoIRQPin = errors.New("no interrupt pin configured")

// Queue up to a few received packets before dropping; LoRa packets do not
// arrive fast enough to need more.
const rxQueueCap = 4

// How often the watcher wakes up to notice an unsubscribe while no edges
// are arriving.
const edgePoll = 500 * time.Millisecond

// OnReceive installs cb as the single receive consumer and arms the DIO0
// interrupt for packet-received. There is at most one subscriber; calling
// OnReceive again replaces it wholesale, and OnReceive(nil) detaches it.
//
// The register work happens on a watcher goroutine reacting to DIO0 edges:
// it reads and clears the IRQ flags, silently discards payloads that failed
// the CRC check, and queues good payloads. A separate dispatcher goroutine
// invokes cb, so a slow consumer never stalls the interrupt handling; if
// the queue is full the packet is dropped and counted (see Dropped).
//
// The radio must be put into receive mode separately with Receive.
func (r *Radio) OnReceive(cb func(payload []byte)) error {
	r.stopReceiver()
	if cb == nil {
		return nil
	}
	if r.irq == nil {
		return ErrNoIRQPin
	}

	r.mu.Lock()
	err := r.t.WriteRegister(REG_DIOMAPPING1, 0x00) // DIO0 = RxDone
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := r.irq.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return err
	}

	stop := make(chan struct{})
	rxq := make(chan []byte, rxQueueCap)
	r.mu.Lock()
	r.stop = stop
	r.rxq = rxq
	r.mu.Unlock()

	r.wg.Add(2)
	go r.watch(stop, rxq)
	go r.dispatch(cb, rxq)
	return nil
}

// Dropped returns how many good packets were discarded because the receive
// queue was full.
func (r *Radio) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Radio) stopReceiver() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.rxq = nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	r.wg.Wait()
}

// watch owns the interrupt side: wait for an edge, pull the payload out of
// the FIFO, hand it off. Closing rxq on exit ends the dispatcher.
func (r *Radio) watch(stop chan struct{}, rxq chan []byte) {
	defer r.wg.Done()
	defer close(rxq)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !r.irq.WaitForEdge(edgePoll) {
			continue
		}
		payload, ok, err := r.readPacket()
		if err != nil {
			log.Errorf("sx127x: receive: %v", err)
			continue
		}
		if !ok {
			// CRC failure, payload discarded without surfacing anything.
			continue
		}
		select {
		case rxq <- payload:
		default:
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
			log.Debugf("sx127x: rx queue full, packet dropped")
		}
	}
}

func (r *Radio) dispatch(cb func([]byte), rxq chan []byte) {
	defer r.wg.Done()
	for p := range rxq {
		cb(p)
	}
}

// readPacket reads and clears the IRQ flags, then extracts the payload the
// chip just received. ok is false when the payload failed its CRC check.
func (r *Radio) readPacket() (payload []byte, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flags, err := r.t.ReadRegister(REG_IRQFLAGS)
	if err != nil {
		return nil, false, err
	}
	if err := r.t.WriteRegister(REG_IRQFLAGS, flags); err != nil {
		return nil, false, err
	}
	if flags&IRQ_PAYLOAD_CRC_ERROR != 0 {
		return nil, false, nil
	}

	start, err := r.t.ReadRegister(REG_FIFORXCURRENTADDR)
	if err != nil {
		return nil, false, err
	}
	if err := r.t.WriteRegister(REG_FIFOADDRPTR, start); err != nil {
		return nil, false, err
	}

	// In implicit header mode the length is the fixed, pre-agreed payload
	// length register; otherwise the chip counted the received bytes.
	lengthReg := byte(REG_RXNBBYTES)
	if r.implicit {
		lengthReg = REG_PAYLOADLENGTH
	}
	n, err := r.t.ReadRegister(lengthReg)
	if err != nil {
		return nil, false, err
	}

	payload = make([]byte, n)
	for i := range payload {
		payload[i], err = r.t.ReadRegister(REG_FIFO)
		if err != nil {
			return nil, false, err
		}
	}
	return payload, true, nil
}
