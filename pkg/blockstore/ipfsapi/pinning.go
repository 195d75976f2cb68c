package ipfsapi

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"

	"github.com/functionland/fula-store/pkg/blockstore"
)

// Pin statuses defined by the IPFS Pinning Services API
const (
	PinStatusQueued  = "queued"
	PinStatusPinning = "pinning"
	PinStatusPinned  = "pinned"
	PinStatusFailed  = "failed"
)

// PinStatus describes one tracked pin
type PinStatus struct {
	RequestID string `json:"requestid"`
	Status    string `json:"status"`
	Pin       Pin    `json:"pin"`
}

// Pin is the pin descriptor sent to the service
type Pin struct {
	Cid  string `json:"cid"`
	Name string `json:"name,omitempty"`
}

// PinningClient talks to an IPFS Pinning Services API endpoint (Pinata,
// Web3.Storage, a cluster's pinning API, ...). Pinning is fire-and-forget on
// the write path: failures are logged, never fatal.
type PinningClient struct {
	http  *httpClient
	token string
	log   zerolog.Logger
}

// PinningConfig configures a pinning service client
type PinningConfig struct {
	Client ClientConfig
	// Token is the service's bearer token
	Token string
}

// NewPinningClient creates a pinning service client
func NewPinningClient(cfg PinningConfig) (*PinningClient, error) {
	if cfg.Token == "" {
		return nil, &blockstore.StoreError{Code: blockstore.CodeConfiguration, Message: "pinning token is required"}
	}
	h, err := newHTTPClient(cfg.Client, "pinning")
	if err != nil {
		return nil, err
	}
	return &PinningClient{http: h, token: cfg.Token, log: cfg.Client.Logger}, nil
}

// AddPin asks the service to pin a CID, optionally under a display name
func (p *PinningClient) AddPin(ctx context.Context, c cid.Cid, name string) (*PinStatus, error) {
	body, err := json.Marshal(Pin{Cid: c.String(), Name: name})
	if err != nil {
		return nil, &blockstore.StoreError{Code: blockstore.CodeSerialization, Backend: "pinning", Cause: err}
	}

	resp, err := p.http.do(ctx, "POST", "/pins", "application/json", body, p.token)
	if err != nil {
		return nil, err
	}

	var status PinStatus
	if err := decodeJSON("pinning", resp, &status); err != nil {
		return nil, err
	}
	if status.RequestID == "" {
		// Some services omit the id on synchronous pins; synthesize one so
		// callers can always address the request
		status.RequestID = uuid.NewString()
	}
	return &status, nil
}

type pinListResponse struct {
	Count   int         `json:"count"`
	Results []PinStatus `json:"results"`
}

// GetPinByCid looks up the pin status for a CID, nil when untracked
func (p *PinningClient) GetPinByCid(ctx context.Context, c cid.Cid) (*PinStatus, error) {
	resp, err := p.http.do(ctx, "GET", "/pins?cid="+url.QueryEscape(c.String()), "", nil, p.token)
	if err != nil {
		return nil, err
	}

	var parsed pinListResponse
	if err := decodeJSON("pinning", resp, &parsed); err != nil {
		return nil, err
	}
	if parsed.Count == 0 || len(parsed.Results) == 0 {
		return nil, nil
	}
	return &parsed.Results[0], nil
}

// DeletePin removes a tracked pin by request id
func (p *PinningClient) DeletePin(ctx context.Context, requestID string) error {
	_, err := p.http.do(ctx, "DELETE", "/pins/"+url.PathEscape(requestID), "", nil, p.token)
	if blockstore.IsNotFound(err) {
		return nil
	}
	return err
}

// PinAsync fires AddPin in the background. Errors are logged and dropped:
// local content addressing is already durable on the block layer.
func (p *PinningClient) PinAsync(c cid.Cid, name string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.http.cfg.Timeout)
		defer cancel()

		status, err := p.AddPin(ctx, c, name)
		if err != nil {
			p.log.Warn().Err(err).Str("cid", c.String()).Msg("pin request failed")
			return
		}
		p.log.Info().
			Str("cid", c.String()).
			Str("request_id", status.RequestID).
			Str("status", status.Status).
			Msg("pin requested")
	}()
}
