// Package transport defines the boundary to the external messaging-network
// provider: the capability that performs the actual handshake, encryption
// and message relay for one device. The panel never sees wire details; it
// consumes connection lifecycle updates and issues pairing-code requests.
package transport

import "context"

// State is the connection phase reported by the provider.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Reason classifies why the provider closed a connection.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonLoggedOut
	ReasonRestartRequired
	ReasonTimedOut
	ReasonConnectionLost
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonRestartRequired:
		return "restart_required"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Transient reports whether a reconnect attempt is worthwhile. Logged-out is
// fatal (credentials are gone server-side); unknown reasons are not retried.
func (r Reason) Transient() bool {
	switch r {
	case ReasonRestartRequired, ReasonTimedOut, ReasonConnectionLost:
		return true
	default:
		return false
	}
}

// Update is one lifecycle event from the provider.
type Update struct {
	State  State
	QR     string // set when the provider offers QR-based pairing
	Reason Reason // set when State is StateClosed
}

// DialConfig scopes one logical connection.
type DialConfig struct {
	TenantID string
	Number   string
	// CredsDir is where the provider persists credential material. A
	// creds.json inside marks a previously paired device.
	CredsDir string
}

// Conn is one live logical connection to the messaging network.
type Conn interface {
	// Updates yields lifecycle events in order. The provider closes the
	// channel when it will emit no further events.
	Updates() <-chan Update

	// RequestPairingCode asks the network for a short-lived code the user
	// enters on their device to authorize this connection.
	RequestPairingCode(ctx context.Context, number string) (string, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Provider opens logical connections scoped to (tenant, device number).
type Provider interface {
	Dial(ctx context.Context, cfg DialConfig) (Conn, error)
}
