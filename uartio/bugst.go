package uartio

import (
	"go.bug.st/serial"
)

// bugstPort wraps go.bug.st/serial to satisfy Port. This is the second
// supported backend, useful on platforms/devices where tarm/serial's
// more limited line configuration isn't enough (e.g. needing to pin
// parity/stop bits explicitly).
type bugstPort struct {
	port serial.Port
}

// OpenBugst opens cfg.Device using go.bug.st/serial with 8N1 framing.
func OpenBugst(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, wrapOpenErr(cfg.Device, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			p.Close()
			return nil, wrapOpenErr(cfg.Device, err)
		}
	}
	return &bugstPort{port: p}, nil
}

func (p *bugstPort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *bugstPort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *bugstPort) Close() error                { return p.port.Close() }

func (p *bugstPort) Flush() error {
	return p.port.ResetOutputBuffer()
}
