package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	eventBufferSize = 256
	readBufferSize  = 1024

	// CommandTerminator is appended to outgoing commands that lack it.
	CommandTerminator = "\r"
)

var ErrNotOpen = errors.New("serial: no open connection for device")

// Adapter owns at most one open line per device id and turns each line's
// reads into an ordered event stream.
type Adapter struct {
	opener Opener
	logger *zap.Logger

	mu    sync.Mutex
	lines map[string]*line
}

func NewAdapter(opener Opener, logger *zap.Logger) *Adapter {
	if opener == nil {
		opener = &DefaultOpener{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		opener: opener,
		logger: logger.Named("serial"),
		lines:  make(map[string]*line),
	}
}

type line struct {
	deviceID string
	address  string
	baudRate int
	port     Port
	events   chan Event

	// mu guards closed. Emitters hold it for reading across the send so
	// that once Close has taken it for writing nothing more is emitted.
	mu       sync.RWMutex
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once

	writeMu sync.Mutex
	framer  LineFramer
}

// Open opens deviceID's line and returns its event stream. The stream
// starts with EventOpened and ends with exactly one EventClosed, after
// which it is closed. If the device is already open the existing stream
// is returned and nothing is reopened. Callers bound the open with ctx.
func (a *Adapter) Open(ctx context.Context, deviceID, address string, baudRate int) (<-chan Event, error) {
	a.mu.Lock()
	if l, ok := a.lines[deviceID]; ok {
		a.mu.Unlock()
		return l.events, nil
	}
	a.mu.Unlock()

	port, err := a.openPort(ctx, address, baudRate)
	if err != nil {
		a.logger.Warn("open failed",
			zap.String("device", deviceID),
			zap.String("address", address),
			zap.Int("baud", baudRate),
			zap.Error(err))
		return nil, err
	}

	l := &line{
		deviceID: deviceID,
		address:  address,
		baudRate: baudRate,
		port:     port,
		events:   make(chan Event, eventBufferSize),
		stop:     make(chan struct{}),
	}

	a.mu.Lock()
	if existing, ok := a.lines[deviceID]; ok {
		a.mu.Unlock()
		_ = port.Close()
		return existing.events, nil
	}
	a.lines[deviceID] = l
	a.mu.Unlock()

	l.events <- Event{Kind: EventOpened, DeviceID: deviceID}
	go a.readLoop(l)

	a.logger.Info("line opened",
		zap.String("device", deviceID),
		zap.String("address", address),
		zap.Int("baud", baudRate))
	return l.events, nil
}

func (a *Adapter) openPort(ctx context.Context, address string, baudRate int) (Port, error) {
	type result struct {
		port Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := a.opener.Open(ctx, address, baudRate)
		done <- result{port, err}
	}()

	select {
	case r := <-done:
		return r.port, r.err
	case <-ctx.Done():
		// The opener may still succeed later; close whatever it returns.
		go func() {
			if r := <-done; r.port != nil {
				_ = r.port.Close()
			}
		}()
		return nil, fmt.Errorf("open %s: %w", address, ctx.Err())
	}
}

// Send writes payload to deviceID, terminated with CommandTerminator.
// Writes to one device are serialized.
func (a *Adapter) Send(deviceID, payload string) error {
	a.mu.Lock()
	l, ok := a.lines[deviceID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, deviceID)
	}

	if !strings.HasSuffix(payload, CommandTerminator) {
		payload += CommandTerminator
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write([]byte(payload)); err != nil {
		return fmt.Errorf("write to %s: %w", deviceID, err)
	}
	if err := l.port.Drain(); err != nil {
		return fmt.Errorf("drain %s: %w", deviceID, err)
	}
	return nil
}

// Close closes deviceID's line. It is safe to call for a device that is
// not open. Once Close returns no data, rawData or error event for the
// line is emitted; the stream still ends with its EventClosed.
func (a *Adapter) Close(deviceID string) {
	a.mu.Lock()
	l, ok := a.lines[deviceID]
	if ok {
		delete(a.lines, deviceID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	l.stopOnce.Do(func() { close(l.stop) })
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	if err := l.port.Close(); err != nil {
		a.logger.Debug("close error", zap.String("device", deviceID), zap.Error(err))
	}
	a.logger.Info("line closed", zap.String("device", deviceID))
}

func (a *Adapter) IsOpen(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.lines[deviceID]
	return ok
}

// OpenDevices returns the ids of every open line.
func (a *Adapter) OpenDevices() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.lines))
	for id := range a.lines {
		ids = append(ids, id)
	}
	return ids
}

func (a *Adapter) ListPorts() ([]PortInfo, error) {
	return ListPorts()
}

func (a *Adapter) readLoop(l *line) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			l.emit(Event{Kind: EventRawData, DeviceID: l.deviceID, Data: chunk})
			for _, text := range l.framer.Push(chunk) {
				l.emit(Event{Kind: EventData, DeviceID: l.deviceID, Line: text})
			}
		}
		if err == nil {
			continue
		}

		requested := l.isClosed()
		if !requested {
			if !errors.Is(err, io.EOF) {
				l.emit(Event{Kind: EventError, DeviceID: l.deviceID, Err: err.Error()})
			}
			a.logger.Warn("line fault", zap.String("device", l.deviceID), zap.Error(err))
			a.forget(l)
			_ = l.port.Close()
		}

		l.events <- Event{Kind: EventClosed, DeviceID: l.deviceID, Requested: requested}
		close(l.events)
		return
	}
}

// forget drops l from the table unless it was already replaced.
func (a *Adapter) forget(l *line) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lines[l.deviceID] == l {
		delete(a.lines, l.deviceID)
	}
}

func (l *line) emit(ev Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	case <-l.stop:
	}
}

func (l *line) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}
