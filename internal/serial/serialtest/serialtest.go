// Package serialtest provides in-memory device lines for tests.
package serialtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Jaobie-BN/labnet-test/internal/serial"
)

var ErrPortClosed = errors.New("serialtest: port closed")

// Port is a fake device line. Bytes passed to Emit are returned by Read;
// bytes written by the adapter are recorded.
type Port struct {
	Address  string
	BaudRate int

	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	writes   []string
	writeErr error
	drainErr error
	closed   int
}

func NewPort(address string, baudRate int) *Port {
	r, w := io.Pipe()
	return &Port{Address: address, BaudRate: baudRate, r: r, w: w}
}

func (p *Port) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *Port) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drainErr
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return p.r.CloseWithError(ErrPortClosed)
}

// Emit makes data readable by the adapter. It blocks until the reader
// has consumed it.
func (p *Port) Emit(data string) error {
	_, err := p.w.Write([]byte(data))
	return err
}

// Fault makes the next read fail with err, as an unplugged cable would.
// A nil err simulates the device hanging up (EOF).
func (p *Port) Fault(err error) {
	_ = p.w.CloseWithError(err)
}

func (p *Port) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *Port) SetDrainError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainErr = err
}

func (p *Port) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func (p *Port) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Opener hands out fake ports keyed by address.
type Opener struct {
	mu    sync.Mutex
	ports map[string][]*Port
	fail  map[string]error
	hold  map[string]chan struct{}
	opens map[string]int
}

var _ serial.Opener = (*Opener)(nil)

func NewOpener() *Opener {
	return &Opener{
		ports: make(map[string][]*Port),
		fail:  make(map[string]error),
		hold:  make(map[string]chan struct{}),
		opens: make(map[string]int),
	}
}

// Fail makes every open of address fail with err.
func (o *Opener) Fail(address string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail[address] = err
}

// Hold blocks opens of address until the returned function is called.
func (o *Opener) Hold(address string) (release func()) {
	ch := make(chan struct{})
	o.mu.Lock()
	o.hold[address] = ch
	o.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Missing makes opens of paths fail the way a missing /dev node does.
func (o *Opener) Missing(paths ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range paths {
		o.fail[p] = fmt.Errorf("open %s: no such file or directory", p)
	}
}

func (o *Opener) Open(ctx context.Context, address string, baudRate int) (serial.Port, error) {
	o.mu.Lock()
	o.opens[address]++
	hold := o.hold[address]
	o.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[address]; err != nil {
		return nil, err
	}
	p := NewPort(address, baudRate)
	o.ports[address] = append(o.ports[address], p)
	return p, nil
}

// Opens reports how many times address was opened, successful or not.
func (o *Opener) Opens(address string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[address]
}

// Port returns the most recent port opened for address, or nil.
func (o *Opener) Port(address string) *Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	ports := o.ports[address]
	if len(ports) == 0 {
		return nil
	}
	return ports[len(ports)-1]
}

// Ports returns every port opened for address, oldest first.
func (o *Opener) Ports(address string) []*Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Port(nil), o.ports[address]...)
}
