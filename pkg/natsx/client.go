package natsx

import (
	"os"

	"github.com/nats-io/nats.go"
)

// EnvURL is the environment variable holding the NATS server URL.
const EnvURL = "NATS_URL"

// NewClient creates a new connection to a NATS server using the URL specified
// in the NATS_URL environment variable, falling back to nats.DefaultURL.
// Without explicit options the connection is named "tandem" and compressed.
//
// This connection is meant for the broadcast medium. The transport dialer
// manages its own connections because it owns reconnection.
func NewClient(opts ...nats.Option) (*nats.Conn, error) {
	if len(opts) == 0 {
		opts = append(opts, nats.Name("tandem"), nats.Compression(true))
	}
	return nats.Connect(URL(), opts...)
}

// URL returns the configured NATS URL.
func URL() string {
	if u := os.Getenv(EnvURL); u != "" {
		return u
	}
	return nats.DefaultURL
}
