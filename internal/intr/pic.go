package intr

import "sync"

// SoftPIC is a PIC implementation backed by plain counters, used by the
// simulator and by tests to assert EOI ordering.
type SoftPIC struct {
	mu   sync.Mutex
	eois []uint8
}

// NewSoftPIC creates an empty simulated PIC.
func NewSoftPIC() *SoftPIC {
	return &SoftPIC{}
}

// SendEOI records an end-of-interrupt acknowledgement for irq.
func (p *SoftPIC) SendEOI(irq uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.eois = append(p.eois, irq)
}

// EOIs returns the sequence of EOIs sent so far, in order.
func (p *SoftPIC) EOIs() []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]uint8, len(p.eois))
	copy(out, p.eois)

	return out
}
