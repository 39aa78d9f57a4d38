package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jaobie-BN/labnet-test/config"
	"github.com/Jaobie-BN/labnet-test/internal/serial"
	"github.com/Jaobie-BN/labnet-test/pkg/protocol"
)

// Transport is the device line layer the registry drives.
// *serial.Adapter satisfies it.
type Transport interface {
	Open(ctx context.Context, deviceID, address string, baudRate int) (<-chan serial.Event, error)
	Send(deviceID, payload string) error
	Close(deviceID string)
	ListPorts() ([]serial.PortInfo, error)
}

type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DeviceStatus is the operator view of one device entry.
type DeviceStatus struct {
	DeviceID string `json:"deviceId"`
	State    string `json:"state"`
	RefCount int    `json:"refCount"`
	Address  string `json:"address,omitempty"`
	BaudRate int    `json:"baudRate,omitempty"`
}

type RegistryOptions struct {
	Transport   Transport
	Router      *Router
	OpenTimeout time.Duration
	OutputMode  config.OutputMode
	Logger      *zap.Logger
}

// Registry keeps at most one open transport per device and counts the
// sessions holding it. The registry-wide lock only guards the device
// index; every state transition happens under the device's own lock.
type Registry struct {
	transport   Transport
	router      *Router
	openTimeout time.Duration
	outputMode  config.OutputMode
	logger      *zap.Logger

	mu      sync.Mutex
	devices map[string]*device
	onFault func(deviceID string)

	pumps sync.WaitGroup
}

type device struct {
	id string

	mu      sync.Mutex
	state   State
	refs    int
	gen     uint64
	address string
	baud    int
	opening *openCall
}

type openCall struct {
	done    chan struct{}
	address string
	err     error
}

// Lease is one session's hold on an open device. It belongs to the open
// cycle it was issued in and can be released once. Address and BaudRate
// are the endpoint that cycle actually opened.
type Lease struct {
	registry *Registry
	deviceID string
	gen      uint64
	address  string
	baudRate int
	once     sync.Once
}

func (l *Lease) DeviceID() string { return l.deviceID }

func (l *Lease) Address() string { return l.address }

func (l *Lease) BaudRate() int { return l.baudRate }

func (l *Lease) Release() { l.registry.Release(l) }

// lease issues a hold on d's current cycle. Callers hold d.mu.
func (d *device) lease(r *Registry) *Lease {
	return &Lease{registry: r, deviceID: d.id, gen: d.gen, address: d.address, baudRate: d.baud}
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = config.Default().Relay.OpenTimeout
	}
	mode := opts.OutputMode
	if mode == "" {
		mode = config.OutputRaw
	}
	return &Registry{
		transport:   opts.Transport,
		router:      opts.Router,
		openTimeout: timeout,
		outputMode:  mode,
		logger:      logger.Named("registry"),
		devices:     make(map[string]*device),
	}
}

// SetFaultHandler installs fn, called after a device-side fault has moved
// a device to CLOSED. It runs on the device's pump goroutine.
func (r *Registry) SetFaultHandler(fn func(deviceID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFault = fn
}

func (r *Registry) device(deviceID string, create bool) *device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok && create {
		d = &device{id: deviceID}
		r.devices[deviceID] = d
	}
	return d
}

// EnsureOpen returns a lease on deviceID, opening the transport if no
// open one exists. Concurrent callers for the same device share a single
// open attempt and its outcome. A device that is already open is shared
// on the endpoint it was opened with; address and baudRate only apply
// when this call starts the open.
func (r *Registry) EnsureOpen(ctx context.Context, deviceID, address string, baudRate int) (*Lease, error) {
	d := r.device(deviceID, true)

	for {
		d.mu.Lock()
		switch d.state {
		case StateOpen:
			d.refs++
			lease := d.lease(r)
			d.mu.Unlock()
			return lease, nil

		case StateOpening:
			call := d.opening
			d.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s: %w", ErrTransportOpen, deviceID, ctx.Err())
			}
			if call.err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrTransportOpen, call.address, call.err)
			}
			continue

		default:
			// CLOSING is only held under d.mu, so anything else here is CLOSED.
			call := &openCall{done: make(chan struct{}), address: address}
			d.state = StateOpening
			d.opening = call
			d.address = address
			d.baud = baudRate
			d.mu.Unlock()

			return r.open(ctx, d, call, address, baudRate)
		}
	}
}

func (r *Registry) open(ctx context.Context, d *device, call *openCall, address string, baudRate int) (*Lease, error) {
	openCtx, cancel := context.WithTimeout(ctx, r.openTimeout)
	defer cancel()

	events, err := r.transport.Open(openCtx, d.id, address, baudRate)

	d.mu.Lock()
	defer d.mu.Unlock()
	defer close(call.done)
	d.opening = nil

	if err != nil {
		d.state = StateClosed
		call.err = err
		r.logger.Warn("device open failed",
			zap.String("device", d.id),
			zap.String("address", address),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrTransportOpen, address, err)
	}

	d.gen++
	d.state = StateOpen
	d.refs = 1

	r.pumps.Add(1)
	go r.pump(d, d.gen, events)

	r.logger.Info("device open",
		zap.String("device", d.id),
		zap.String("address", address),
		zap.Int("baud", baudRate),
		zap.Uint64("gen", d.gen))
	return d.lease(r), nil
}

// Release gives back a lease. The last release of an open cycle closes
// the transport. Releasing twice, or after the cycle ended, does nothing.
func (r *Registry) Release(lease *Lease) {
	if lease == nil {
		return
	}
	lease.once.Do(func() {
		d := r.device(lease.deviceID, false)
		if d == nil {
			return
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.gen != lease.gen || d.state != StateOpen || d.refs == 0 {
			return
		}
		d.refs--
		if d.refs > 0 {
			return
		}

		d.state = StateClosing
		r.transport.Close(d.id)
		d.state = StateClosed
		r.logger.Info("device closed", zap.String("device", d.id), zap.Uint64("gen", d.gen))
	})
}

// Valid reports whether lease still belongs to the device's current open
// cycle.
func (r *Registry) Valid(lease *Lease) bool {
	if lease == nil {
		return false
	}
	d := r.device(lease.deviceID, false)
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen == lease.gen && d.state == StateOpen
}

func (r *Registry) IsOpen(deviceID string) bool {
	return r.State(deviceID) == StateOpen
}

func (r *Registry) State(deviceID string) State {
	d := r.device(deviceID, false)
	if d == nil {
		return StateClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (r *Registry) RefCount(deviceID string) int {
	d := r.device(deviceID, false)
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

func (r *Registry) Devices() []DeviceStatus {
	r.mu.Lock()
	all := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		all = append(all, d)
	}
	r.mu.Unlock()

	out := make([]DeviceStatus, 0, len(all))
	for _, d := range all {
		d.mu.Lock()
		out = append(out, DeviceStatus{
			DeviceID: d.id,
			State:    d.state.String(),
			RefCount: d.refs,
			Address:  d.address,
			BaudRate: d.baud,
		})
		d.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// CloseAll closes every open device and waits for their pumps to finish
// or ctx to expire.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		all = append(all, d)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, d := range all {
		g.Go(func() error {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.state != StateOpen {
				return nil
			}
			d.state = StateClosing
			r.transport.Close(d.id)
			d.state = StateClosed
			d.refs = 0
			r.logger.Info("device closed on shutdown", zap.String("device", d.id))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for device pumps: %w", ctx.Err())
	}
}

// pump forwards one open cycle's events to the router in emission order.
// Events from a cycle that is no longer current are dropped.
func (r *Registry) pump(d *device, gen uint64, events <-chan serial.Event) {
	defer r.pumps.Done()

	for ev := range events {
		d.mu.Lock()
		if d.gen != gen || d.state != StateOpen {
			d.mu.Unlock()
			continue
		}

		switch ev.Kind {
		case serial.EventRawData:
			if r.outputMode == config.OutputRaw {
				r.router.Broadcast(d.id, protocol.NewOutput(d.id, string(ev.Data)))
			}
		case serial.EventData:
			if r.outputMode == config.OutputLine {
				r.router.Broadcast(d.id, protocol.NewOutput(d.id, ev.Line+"\r\n"))
			}
		case serial.EventError:
			r.router.Broadcast(d.id, protocol.NewError(d.id, ev.Err))
		case serial.EventClosed:
			if ev.Requested {
				break
			}
			r.router.Broadcast(d.id, protocol.NewDisconnected(d.id))
			d.state = StateClosed
			d.refs = 0
			d.mu.Unlock()

			r.logger.Warn("device closed by transport", zap.String("device", d.id), zap.Uint64("gen", gen))
			r.mu.Lock()
			onFault := r.onFault
			r.mu.Unlock()
			if onFault != nil {
				onFault(d.id)
			}
			continue
		}
		d.mu.Unlock()
	}
}
