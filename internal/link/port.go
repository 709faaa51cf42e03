package link

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the byte transport under a Link. A Read that returns (0, nil) is
// treated as an idle timeout.
type Port interface {
	io.ReadWriteCloser
}

type drainer interface {
	Drain() error
}

type inputResetter interface {
	ResetInputBuffer() error
}

// Opener opens the port named by endpoint.
type Opener interface {
	Open(ctx context.Context, endpoint string) (Port, error)
}

type OpenerFunc func(ctx context.Context, endpoint string) (Port, error)

func (f OpenerFunc) Open(ctx context.Context, endpoint string) (Port, error) {
	return f(ctx, endpoint)
}

// SerialConfig is the serial line setup.
type SerialConfig struct {
	Port        string
	BaudRate    int
	DataBits    int
	Parity      string
	StopBits    string
	ReadTimeout time.Duration
}

func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:    115200,
		DataBits:    8,
		Parity:      "none",
		StopBits:    "1",
		ReadTimeout: 100 * time.Millisecond,
	}
}

// Mode converts c to a go.bug.st/serial mode.
func (c SerialConfig) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}
	if mode.BaudRate <= 0 {
		return nil, fmt.Errorf("serial: invalid baud rate %d", c.BaudRate)
	}
	switch mode.DataBits {
	case 0:
		mode.DataBits = 8
	case 5, 6, 7, 8:
	default:
		return nil, fmt.Errorf("serial: invalid data bits %d", c.DataBits)
	}
	switch strings.ToLower(strings.TrimSpace(c.Parity)) {
	case "", "none", "n":
		mode.Parity = serial.NoParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "mark", "m":
		mode.Parity = serial.MarkParity
	case "space", "s":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("serial: invalid parity %q", c.Parity)
	}
	switch strings.TrimSpace(c.StopBits) {
	case "", "1":
		mode.StopBits = serial.OneStopBit
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("serial: invalid stop bits %q", c.StopBits)
	}
	return mode, nil
}

// SerialOpener opens go.bug.st/serial ports.
type SerialOpener struct {
	Config SerialConfig
}

func (o SerialOpener) Open(ctx context.Context, endpoint string) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode, err := o.Config.Mode()
	if err != nil {
		return nil, err
	}
	p, err := serial.Open(endpoint, mode)
	if err != nil {
		return nil, err
	}
	timeout := o.Config.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultSerialConfig().ReadTimeout
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serial: set read timeout: %w", err)
	}
	return p, nil
}

// PortInfo describes one serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: list ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return out, nil
}
