package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/labord/pkg/types"
)

// RemoteAdapter drives a device adapter process over HTTP+mTLS; wire-protocol
// concerns belong entirely to the adapter process, the core only calls
// submit/observe/cancel.
type RemoteAdapter struct {
	baseURL    string
	httpClient *http.Client
	pollEvery  time.Duration
}

// NewRemoteAdapter builds a RemoteAdapter against baseURL, authenticating
// with tlsConfig (the node's client certificate and the lab CA pool).
func NewRemoteAdapter(baseURL string, tlsConfig *tls.Config) *RemoteAdapter {
	return &RemoteAdapter{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
			Timeout:   30 * time.Second,
		},
		pollEvery: 500 * time.Millisecond,
	}
}

type submitRequest struct {
	StepID     string            `json:"step_id"`
	Fct        string            `json:"fct"`
	Device     string            `json:"device"`
	Containers []string          `json:"containers"`
	Params     map[string]string `json:"params"`
}

type submitResponse struct {
	HandleID string `json:"handle_id"`
}

type statusResponse struct {
	Status   types.ObservationStatus `json:"status"`
	Progress float64                 `json:"progress"`
	Value    *float64                `json:"value,omitempty"`
}

func (r *RemoteAdapter) Submit(ctx context.Context, step Step) (Handle, error) {
	body, err := json.Marshal(submitRequest{
		StepID:     step.StepID,
		Fct:        step.Fct,
		Device:     step.Device,
		Containers: step.Containers,
		Params:     step.Params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ErrTransportError, "submit to device adapter failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrTransportError, fmt.Sprintf("device adapter returned %d", resp.StatusCode))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, types.WrapError(types.ErrTransportError, "decode submit response", err)
	}

	return &remoteHandle{adapter: r, handleID: sr.HandleID}, nil
}

type remoteHandle struct {
	adapter  *RemoteAdapter
	handleID string
}

func (h *remoteHandle) Observe(ctx context.Context) <-chan Observation {
	ch := make(chan Observation, 4)
	go h.poll(ctx, ch)
	return ch
}

func (h *remoteHandle) poll(ctx context.Context, ch chan<- Observation) {
	defer close(ch)
	ticker := time.NewTicker(h.adapter.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ch <- Observation{Status: types.ObservationCancelled}
			return
		case <-ticker.C:
			st, err := h.fetchStatus(ctx)
			if err != nil {
				ch <- Observation{Status: types.ObservationFailed}
				return
			}
			ch <- Observation{Status: st.Status, Progress: st.Progress, Value: st.Value}
			switch st.Status {
			case types.ObservationOK, types.ObservationFailed, types.ObservationCancelled, types.ObservationTimeout:
				return
			}
		}
	}
}

func (h *remoteHandle) fetchStatus(ctx context.Context) (*statusResponse, error) {
	url := fmt.Sprintf("%s/observe/%s", h.adapter.baseURL, h.handleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.adapter.httpClient.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ErrTransportError, "observe device adapter failed", err)
	}
	defer resp.Body.Close()

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, types.WrapError(types.ErrTransportError, "decode observe response", err)
	}
	return &sr, nil
}

func (h *remoteHandle) Cancel(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/cancel/%s", h.adapter.baseURL, h.handleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := h.adapter.httpClient.Do(req)
	if err != nil {
		return false, types.WrapError(types.ErrTransportError, "cancel device adapter failed", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
