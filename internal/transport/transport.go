package transport

import (
	"context"
	"time"

	"bizsync-p2p/internal/domain"
)

// Advertisement is a running advertise call; Stop withdraws it.
type Advertisement interface {
	Stop() error
}

// Channel is one ordered byte stream to a remote device.
type Channel interface {
	ID() string
	Transport() domain.TransportType
	Send(ctx context.Context, data []byte) error
	// Receive yields frames in send order and is closed when the channel is
	// lost or closed by either side.
	Receive() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// Transport is the capability surface every physical transport implements.
type Transport interface {
	Type() domain.TransportType
	Advertise(ctx context.Context, self domain.DeviceInfo) (Advertisement, error)
	// Discover returns a finite stream of sightings that closes when timeout
	// elapses or ctx is done. It may be called again to restart discovery.
	Discover(ctx context.Context, timeout time.Duration) (<-chan domain.DeviceInfo, error)
	Open(ctx context.Context, device domain.DeviceInfo) (Channel, error)
	// Accept yields channels opened by remote devices.
	Accept() <-chan Channel
	Close() error
}

type stopFunc func() error

func (f stopFunc) Stop() error { return f() }

// AdvertisementFunc adapts a function to the Advertisement interface.
func AdvertisementFunc(f func() error) Advertisement {
	return stopFunc(f)
}
