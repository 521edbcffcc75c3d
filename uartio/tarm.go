package uartio

import (
	"github.com/tarm/serial"
)

// tarmPort wraps github.com/tarm/serial to satisfy Port.
type tarmPort struct {
	port *serial.Port
}

// OpenTarm opens cfg.Device using github.com/tarm/serial. This backend
// is preferred on Linux USB-CDC/ACM devices.
func OpenTarm(cfg Config) (Port, error) {
	sc := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, wrapOpenErr(cfg.Device, err)
	}
	return &tarmPort{port: p}, nil
}

func (p *tarmPort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *tarmPort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *tarmPort) Close() error                { return p.port.Close() }

// Flush is a no-op: tarm/serial has no explicit flush and Write already
// blocks until the bytes are handed to the OS.
func (p *tarmPort) Flush() error { return nil }
