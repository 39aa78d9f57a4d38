// Package devices resolves device ids to the endpoint the relay opens.
// The lab application owns the device records; the relay only reads them.
package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jaobie-BN/labnet-test/config"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNoEndpoint    = errors.New("device has no serial port configured")
)

// Endpoint is where a device's console is reached. A zero BaudRate means
// the caller's default applies.
type Endpoint struct {
	DeviceID string
	LabID    string
	Name     string
	Address  string
	BaudRate int
}

type Resolver interface {
	Lookup(ctx context.Context, deviceID string) (Endpoint, error)
}

// Static resolves from a fixed table, typically the config file.
type Static map[string]Endpoint

func NewStatic(entries []config.StaticDevice) Static {
	s := make(Static, len(entries))
	for _, e := range entries {
		s[e.ID] = Endpoint{DeviceID: e.ID, Address: e.Address, BaudRate: e.BaudRate}
	}
	return s
}

func (s Static) Lookup(_ context.Context, deviceID string) (Endpoint, error) {
	ep, ok := s[deviceID]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return ep, nil
}

// Chain asks each resolver in turn and returns the first answer that is
// not ErrUnknownDevice.
type Chain []Resolver

func (c Chain) Lookup(ctx context.Context, deviceID string) (Endpoint, error) {
	for _, r := range c {
		ep, err := r.Lookup(ctx, deviceID)
		if errors.Is(err, ErrUnknownDevice) {
			continue
		}
		return ep, err
	}
	return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
}
