/*
Package periphport adapts a real periph.io SPI connection and chip-select
pin to the spiseq.Port abstraction, so the driver can run against Linux
SPI hardware (or anything else periph.io/x/host supports) instead of the
bare two-register MMIO port used on the embedded target.

spiseq.Sequencer only depends on spiseq.Port, so this is a second,
independent implementation of it alongside spiseq.MMIOPort.
*/
package periphport

import (
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Port drives a periph.io spi.Conn with an explicit chip-select GPIO,
// framing each spiseq command word as a one-byte full-duplex transfer.
// It implements spiseq.Port without importing spiseq, keeping this
// adapter a leaf dependency.
type Port struct {
	conn spi.Conn
	cs   gpio.PinIO

	asserted bool
	last     byte
}

// New wraps an open SPI connection and its chip-select pin. The pin is
// driven directly by this type; conn must not also toggle it.
func New(conn spi.Conn, cs gpio.PinIO) *Port {
	return &Port{conn: conn, cs: cs}
}

// WaitReady always reports ready: periph.io's Tx is synchronous, so
// there is no separate hardware-ready bit to poll.
func (p *Port) WaitReady() bool { return true }

// Transact implements the spiseq.Port command-word protocol: bit 8
// asserts chip-select for the transfer, the low 8 bits are the byte to
// shift out, and the sentinel 0x00FF negates chip-select. The byte
// shifted in is returned in the low 8 bits of the result.
func (p *Port) Transact(cmdWord uint16) uint16 {
	if cmdWord == 0x00FF {
		p.negate()
		return 0
	}
	p.assert()
	out := [1]byte{byte(cmdWord)}
	in := [1]byte{}
	if err := p.conn.Tx(out[:], in[:]); err != nil {
		return 0xFFFF
	}
	p.last = in[0]
	return uint16(p.last)
}

func (p *Port) assert() {
	if !p.asserted {
		p.cs.Out(gpio.Low)
		p.asserted = true
	}
}

func (p *Port) negate() {
	if p.asserted {
		p.cs.Out(gpio.High)
		p.asserted = false
	}
}
