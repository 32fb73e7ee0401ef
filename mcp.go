package mcp

import (
	"context"
	"iter"
)

// ServerTransport accepts sessions on the server side.
type ServerTransport interface {
	// Sessions yields a Session for every peer that connects. Session ids must be unique among
	// the live sessions of the transport. The iteration ends after Shutdown.
	Sessions() iter.Seq[Session]

	// Shutdown stops accepting sessions and releases the transport's resources. Sessions already
	// yielded are stopped by the caller, not by the transport. It is called once.
	Shutdown(ctx context.Context) error
}

// ClientTransport opens sessions on the client side.
type ClientTransport interface {
	// StartSession connects to the peer. The returned Session is ready to send on; connection
	// failures are returned as errors, preferably as *TransportError so the retry policy can tell
	// whether another attempt makes sense.
	StartSession(ctx context.Context) (Session, error)
}

// Session is one bidirectional conversation with a peer. It is the uniform contract every
// transport implements: connect is StartSession or ServerTransport.Sessions, disconnect is Stop,
// receive is Messages and send is Send.
type Session interface {
	// ID identifies the session among the live sessions of its transport.
	ID() string

	// Send writes msg to the peer. It must be safe for concurrent use.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages yields the messages read from the peer, in order. The iteration ends when the
	// session is stopped or the connection is lost. It is called once.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop closes the session. The owner calls it exactly once.
	Stop()
}
