/*
Package client implements a Go client for the labord Control API.

The client wraps the Control API's HTTPS+mTLS+JSON transport with a convenient, idiomatic Go interface: connection management, mTLS
certificate bootstrap from a join token, and one typed method per Control
API operation.

# Architecture

	┌──────────────────── APPLICATION CODE ──────────────────────┐
	│                                                              │
	│  import "github.com/cuemby/labord/pkg/client"               │
	│                                                              │
	│  c, err := client.NewClient("core-1:8443")                  │
	│  id, err := c.SubmitProcess("run-1", source, 0, 0)           │
	│                                                              │
	└──────────────────┬───────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ─────────────────────────┐
	│  Client                                                     │
	│   - pkg/control wire types (shared with pkg/api)            │
	│   - mTLS via pkg/security                                   │
	│   - leader-redirect detection (control.ErrorResponse)       │
	└──────────────────┬───────────────────────────────────────┘
	                   │ HTTPS + mTLS (JSON)
	                   ▼
	            Control API (pkg/api)

# Usage

Creating a Client with an existing certificate:

	c, err := client.NewClient("10.0.0.1:8443")
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

Creating a Client with a join token (first connection):

	c, err := client.NewClientWithToken("10.0.0.1:8443", "join-token-xyz")
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

Submitting and starting a process:

	id, err := c.SubmitProcess("incubate-and-read", source, 0, 0)
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Start([]string{id}); err != nil {
		log.Fatal(err)
	}

Handling a leader redirect:

	if err := c.Pause(""); err != nil {
		var le *client.LeaderError
		if errors.As(err, &le) && le.Leader != "" {
			c, _ = client.NewClient(le.Leader)
			err = c.Pause("")
		}
	}

# Certificate layout

	~/.labord/certs/cli/node.crt
	~/.labord/certs/cli/node.key
	~/.labord/certs/cli/ca.crt

# See Also

  - pkg/api for the server-side Control API
  - pkg/control for the shared request/response types
  - pkg/security for certificate issuance and storage
*/
package client
