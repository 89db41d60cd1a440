// Package client implements a Control API client: the same mTLS+JSON
// transport labctl uses to submit processes, start runs, pause/resume the
// lab, and drive cluster membership, and that core.Node uses internally for
// its own Join call against a cluster it is not yet a voting member of.
package client

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/labord/pkg/control"
	"github.com/cuemby/labord/pkg/security"
	"github.com/cuemby/labord/pkg/types"
)

// Client talks to one core-loop replica's Control API over HTTPS.
type Client struct {
	addr string
	http *http.Client
}

// NewClient creates a Client using the CLI's existing certificate. Callers
// that don't yet hold one should use NewClientWithToken instead.
func NewClient(addr string) (*Client, error) {
	certDir, err := security.GetCLICertDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get cert directory: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("CLI certificate not found at %s; run 'labctl init' to request one", certDir)
	}

	tlsCfg, err := mtlsConfig(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}
	return newClient(addr, tlsCfg), nil
}

// NewClientWithToken requests a client certificate from addr using token if
// the CLI doesn't already hold one, then connects with mTLS.
func NewClientWithToken(addr, token string) (*Client, error) {
	certDir, err := security.GetCLICertDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get cert directory: %w", err)
	}

	if !security.CertExists(certDir) {
		fmt.Println("CLI certificate not found, requesting from core loop...")
		if err := requestCertificate(addr, token, certDir); err != nil {
			return nil, fmt.Errorf("failed to request certificate: %w", err)
		}
		fmt.Printf("certificate obtained and saved to %s\n", certDir)
	} else {
		fmt.Printf("using existing certificate from %s\n", certDir)
	}

	tlsCfg, err := mtlsConfig(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}
	return newClient(addr, tlsCfg), nil
}

func newClient(addr string, tlsCfg *tls.Config) *Client {
	return &Client{
		addr: addr,
		http: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   15 * time.Second,
		},
	}
}

func mtlsConfig(certDir string) (*tls.Config, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Close releases idle connections held by the underlying HTTP client.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// LeaderError is returned when the contacted node is not the raft leader and
// names the leader address a retry should target, if known.
type LeaderError struct {
	Leader string
}

func (e *LeaderError) Error() string {
	if e.Leader == "" {
		return "not the cluster leader"
	}
	return fmt.Sprintf("not the cluster leader, try %s", e.Leader)
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := fmt.Sprintf("https://%s%s", c.addr, path)
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp control.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Kind == "not_leader" {
			return &LeaderError{Leader: errResp.Leader}
		}
		if errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SubmitProcess submits a new workflow description and returns its assigned
// process id.
func (c *Client) SubmitProcess(name, source string, priority, delayMinutes int) (string, error) {
	req := control.SubmitProcessRequest{Name: name, Source: source, Priority: priority, DelayMinutes: delayMinutes}
	var resp control.SubmitProcessResponse
	if err := c.do(http.MethodPost, "/v1/processes", req, &resp); err != nil {
		return "", err
	}
	return resp.ProcessID, nil
}

// Start moves processIDs from pending to running.
func (c *Client) Start(processIDs []string) error {
	return c.do(http.MethodPost, "/v1/processes/start", control.StartRequest{ProcessIDs: processIDs}, nil)
}

// Cancel cancels one process and every step of it that hasn't settled yet.
func (c *Client) Cancel(processID string) error {
	return c.do(http.MethodPost, "/v1/processes/cancel", control.ScopeRequest{Scope: processID}, nil)
}

// Pause halts dispatch cluster-wide (scope == "") or for one process.
func (c *Client) Pause(scope string) error {
	return c.do(http.MethodPost, "/v1/pause", control.ScopeRequest{Scope: scope}, nil)
}

// Resume re-enables dispatch cluster-wide or for one process.
func (c *Client) Resume(scope string) error {
	return c.do(http.MethodPost, "/v1/resume", control.ScopeRequest{Scope: scope}, nil)
}

// EnableSimulation turns on simulated device adapters at the given speed
// multiplier.
func (c *Client) EnableSimulation(speed float64) error {
	return c.do(http.MethodPost, "/v1/simulation", control.SimulationRequest{On: true, Speed: speed}, nil)
}

// DisableSimulation switches back to real device adapters.
func (c *Client) DisableSimulation() error {
	return c.do(http.MethodPost, "/v1/simulation", control.SimulationRequest{On: false}, nil)
}

// ConfigureLab replaces the device catalogue.
func (c *Client) ConfigureLab(devices []types.Device) error {
	return c.do(http.MethodPost, "/v1/lab/configure", control.ConfigureLabRequest{Devices: devices}, nil)
}

// QueryStatus returns a snapshot of processes, devices and containers.
func (c *Client) QueryStatus() (*control.QueryStatusResponse, error) {
	var resp control.QueryStatusResponse
	if err := c.do(http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListHistory returns the completed-step history log for one process.
func (c *Client) ListHistory(processID string) ([]*types.HistoryRecord, error) {
	var resp control.HistoryResponse
	path := fmt.Sprintf("/v1/processes/%s/history", processID)
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// JoinCluster asks the node at c.addr (expected to be the leader) to add
// nodeID as a voter.
func (c *Client) JoinCluster(nodeID, addr, token string) error {
	req := control.JoinRequest{NodeID: nodeID, Addr: addr, Token: token}
	return c.do(http.MethodPost, "/v1/join", req, &control.JoinResponse{})
}

// GenerateJoinToken asks the leader to mint a join token for role ("core"
// for a new raft voter, anything else for a plain client certificate).
func (c *Client) GenerateJoinToken(role string) (string, error) {
	var resp control.TokenResponse
	if err := c.do(http.MethodPost, "/v1/tokens", control.TokenRequest{Role: role}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// requestCertificate fetches a client certificate using a join token and
// saves it to certDir in the layout security.LoadCertFromFile expects. The
// caller has no certificate yet, so this leg of the conversation trusts
// whatever the server presents: the token, not the channel, is what proves
// the caller is allowed to enroll.
func requestCertificate(addr, token, certDir string) error {
	httpClient := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}, //nolint:gosec
		Timeout:   15 * time.Second,
	}

	body, err := json.Marshal(control.CertificateRequest{ClientID: "cli", Token: token})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://%s/v1/certificates", addr)
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach core loop: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp control.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("certificate request failed with status %d", resp.StatusCode)
	}

	var certResp control.CertificateResponse
	if err := json.NewDecoder(resp.Body).Decode(&certResp); err != nil {
		return fmt.Errorf("failed to decode certificate response: %w", err)
	}

	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "node.crt"), certResp.CertPEM, 0600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "node.key"), certResp.KeyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(certDir, "ca.crt"), certResp.CAPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}

	return nil
}
