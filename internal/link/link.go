// Package link is the frame boundary between the router core and the
// outside world. It provides two seams: a Sender sink for outbound bytes
// and a Handler callback for inbound bytes, each tagged with the
// interface name they traverse. The transport does not use this package;
// it sends through its own ctcp.SegmentSender seam.
//
// The concrete implementation here is a UDP bridge: each named interface
// maps to a UDP socket whose peer is the far end of an emulated wire.
// Real frames-on-copper never appear; the bridge carries exact frame or
// datagram bytes per the external-interface contract.
package link

import (
	"context"
	"errors"
)

// Sender is the outbound half of the link boundary.
type Sender interface {
	// Send transmits buf on the named interface. The buffer is borrowed
	// for the duration of the call.
	Send(ctx context.Context, buf []byte, ifName string) error
}

// Handler consumes inbound frames or datagrams. The buffer is borrowed:
// implementations copy before retaining any part of it past the call.
type Handler interface {
	// HandleFrame processes one inbound buffer received on the named
	// interface. Errors are handled (logged, counted) by the caller;
	// they never stop the receive loop.
	HandleFrame(buf []byte, ifName string)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(buf []byte, ifName string)

// HandleFrame calls f(buf, ifName).
func (f HandlerFunc) HandleFrame(buf []byte, ifName string) { f(buf, ifName) }

// ErrUnknownInterface indicates a send on an interface name the bridge
// has no socket for.
var ErrUnknownInterface = errors.New("unknown interface")

// ErrBridgeClosed indicates a send after Close.
var ErrBridgeClosed = errors.New("link bridge closed")
