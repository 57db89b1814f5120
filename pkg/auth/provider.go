// Package auth implements the authentication provider registry consulted by
// the front-end when a client submits an auth packet. Providers are keyed by
// scheme; every connection additionally starts with an implicit ip-scheme
// identity derived from its remote address.
package auth

import (
	"fmt"
	"net"
	"sync"

	"github.com/marmos91/roost/internal/protocol/proto"
)

// Conn is the view of a connection a provider needs: somewhere to attach
// the authenticated identity, and the peer address to derive it from.
type Conn interface {
	AddAuthInfo(id proto.ID)
	RemoteAddr() net.Addr
}

// Provider authenticates one scheme's credentials and attaches the
// resulting identity to the connection.
type Provider interface {
	// Scheme returns the scheme this provider serves, e.g. "digest".
	Scheme() string

	// Handle validates authData and, on success, adds one or more
	// identities to the connection. A non-nil error fails the auth request
	// and closes the connection.
	Handle(c Conn, authData []byte) error
}

var (
	mu        sync.RWMutex
	providers = make(map[string]Provider)
)

// Register adds a provider to the registry, replacing any previous provider
// for the same scheme.
func Register(p Provider) {
	mu.Lock()
	defer mu.Unlock()
	providers[p.Scheme()] = p
}

// Get returns the provider for scheme, or nil if none is registered.
func Get(scheme string) Provider {
	mu.RLock()
	defer mu.RUnlock()
	return providers[scheme]
}

// List returns the registered scheme names, for diagnostics.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	schemes := make([]string, 0, len(providers))
	for s := range providers {
		schemes = append(schemes, s)
	}
	return schemes
}

func init() {
	Register(&ipProvider{})
	Register(&digestProvider{})
}

// ipProvider authenticates by peer address. The credential payload is
// ignored; the identity is always the observed remote IP.
type ipProvider struct{}

func (*ipProvider) Scheme() string { return "ip" }

func (*ipProvider) Handle(c Conn, _ []byte) error {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("derive peer address: %w", err)
	}
	c.AddAuthInfo(proto.ID{Scheme: "ip", ID: host})
	return nil
}
