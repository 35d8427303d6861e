// Package transport chooses how user messages reach the relay.
package transport

import (
	"context"
	"fmt"

	"github.com/nugget/lamrelay/internal/config"
)

// Transport is a running message surface. Run blocks until ctx is
// cancelled or the transport fails.
type Transport interface {
	Name() string
	Run(ctx context.Context) error
}

// Select returns the transport for mode. Exactly one transport is
// active per process; the unused one is never started.
func Select(mode string, broker, direct Transport) (Transport, error) {
	var t Transport
	switch mode {
	case config.TransportBroker:
		t = broker
	case config.TransportDirect:
		t = direct
	default:
		return nil, fmt.Errorf("unknown transport %q (want %q or %q)", mode, config.TransportBroker, config.TransportDirect)
	}
	if t == nil {
		return nil, fmt.Errorf("transport %q is not configured", mode)
	}
	return t, nil
}
