// Package discv5 declares the host session boundary this transport is
// embedded behind: a discv5-shaped node that can send a talkreq-style
// payload to a remote peer and delivers inbound datagrams tagged for the
// μTP protocol ID. The real discv5 stack (routing, ENR handling, node
// lookup) lives outside this module; see LossyBus for the in-memory test
// double used here instead.
package discv5

import "context"

// Session is the host's outbound half: hand a μTP datagram to the
// network layer addressed to remote.
type Session interface {
	Send(ctx context.Context, remote string, payload []byte) error
}

// Listener receives inbound datagrams already identified as μTP traffic
// by the host session (e.g. by sub-protocol ID in a discv5 TALKREQ).
type Listener interface {
	OnDatagram(remote string, payload []byte)
}
