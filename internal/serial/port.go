package serial

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// TCPScheme prefixes addresses served by a console server (ser2net,
// reverse telnet) instead of a local serial device.
const TCPScheme = "tcp://"

// Port is an open line to a device.
type Port interface {
	io.ReadWriteCloser
	// Drain blocks until everything written has been transmitted.
	Drain() error
}

// Opener opens device lines. Implementations may ignore ctx if the
// underlying open cannot be interrupted; the adapter enforces its own
// deadline around Open.
type Opener interface {
	Open(ctx context.Context, address string, baudRate int) (Port, error)
}

// DefaultOpener opens local serial devices with 8N1 framing and
// tcp:// addresses with a plain TCP dial.
type DefaultOpener struct {
	Dialer       net.Dialer
	WriteTimeout time.Duration
}

func (o *DefaultOpener) Open(ctx context.Context, address string, baudRate int) (Port, error) {
	if hostport, ok := strings.CutPrefix(address, TCPScheme); ok {
		conn, err := o.Dialer.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", hostport, err)
		}
		return &tcpPort{Conn: conn, writeTimeout: o.WriteTimeout}, nil
	}

	mode := &bugst.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(address, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s at %d baud: %w", address, baudRate, err)
	}
	return port, nil
}

type tcpPort struct {
	net.Conn
	writeTimeout time.Duration
}

func (p *tcpPort) Write(b []byte) (int, error) {
	if p.writeTimeout > 0 {
		if err := p.Conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return p.Conn.Write(b)
}

// Drain is a no-op: a completed TCP write has already left the process.
func (p *tcpPort) Drain() error { return nil }

// PortInfo describes a local serial port for operator tooling.
type PortInfo struct {
	Path         string `json:"path"`
	Product      string `json:"product,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
	USB          bool   `json:"usb"`
}

var detailedPortsList = enumerator.GetDetailedPortsList

// ListPorts enumerates the serial ports present on this host.
func ListPorts() ([]PortInfo, error) {
	details, err := detailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Path:         d.Name,
			Product:      d.Product,
			SerialNumber: d.SerialNumber,
			VendorID:     d.VID,
			ProductID:    d.PID,
			USB:          d.IsUSB,
		})
	}
	return ports, nil
}
