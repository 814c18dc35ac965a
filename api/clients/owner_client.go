package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/api"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// OwnerClient calls the owner and account-recovery API of one identity host.
type OwnerClient struct {
	baseURL    string
	ownerToken string
	masterKey  []byte
	httpClient *http.Client
}

// NewOwnerClient creates a client for the host at baseURL.
//
// Parameters:
//   - baseURL: The base URL of the host (e.g., "http://localhost:8080")
//   - ownerToken: The owner token sent on /owner routes
//   - masterKey: The owner's master key, only needed by configure, recovery-key and force-exit
//   - timeout: Request timeout duration (optional, default 30 seconds)
func NewOwnerClient(baseURL, ownerToken string, masterKey []byte, timeout ...time.Duration) *OwnerClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &OwnerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		ownerToken: ownerToken,
		masterKey:  masterKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// StatusError is a non-2xx answer from the host.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with code %d: %s", e.StatusCode, e.Message)
}

func (c *OwnerClient) do(ctx context.Context, method, path string, owner bool, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner {
		req.Header.Set(api.OwnerTokenHeader, c.ownerToken)
		if len(c.masterKey) > 0 {
			req.Header.Set(api.MasterKeyHeader, base64.StdEncoding.EncodeToString(c.masterKey))
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Configure deals a new recovery package to players. Requires the master key.
func (c *OwnerClient) Configure(ctx context.Context, req api.ConfigureRequest) (*api.ConfigureResponse, error) {
	var resp api.ConfigureResponse
	if err := c.do(ctx, http.MethodPost, "/owner/recovery/configure", true, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OwnerClient) Config(ctx context.Context) (*interfaces.DealerShardConfig, error) {
	var cfg interfaces.DealerShardConfig
	if err := c.do(ctx, http.MethodGet, "/owner/recovery/config", true, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *OwnerClient) Verify(ctx context.Context) (*api.VerifyResponse, error) {
	var resp api.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/owner/recovery/verify", true, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OwnerClient) Delivery(ctx context.Context) ([]interfaces.DeliveryRecord, error) {
	var resp api.DeliveryResponse
	if err := c.do(ctx, http.MethodGet, "/owner/recovery/delivery", true, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deliveries, nil
}

// RecoveryKey reveals the recovery phrase. Requires the master key.
func (c *OwnerClient) RecoveryKey(ctx context.Context) (string, error) {
	var resp api.RecoveryKeyResponse
	if err := c.do(ctx, http.MethodGet, "/owner/recovery/recovery-key", true, nil, &resp); err != nil {
		return "", err
	}
	return resp.Mnemonic, nil
}

func (c *OwnerClient) ForceExit(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/owner/recovery/force-exit", true, nil, nil)
}

// HeldParcels lists parcels the host keeps for other dealers.
func (c *OwnerClient) HeldParcels(ctx context.Context) ([]api.HeldParcel, error) {
	var resp api.HeldParcelsResponse
	if err := c.do(ctx, http.MethodGet, "/owner/recovery/parcels", true, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Parcels, nil
}

// Release sends a held parcel back to a recovering dealer.
func (c *OwnerClient) Release(ctx context.Context, dealer interfaces.IdentityAddress, shareID uuid.UUID) error {
	path := fmt.Sprintf("/owner/recovery/release/%s/%s", dealer, shareID)
	return c.do(ctx, http.MethodPost, path, true, nil, nil)
}

// Requests lists dealer requests awaiting the owner's decision.
func (c *OwnerClient) Requests(ctx context.Context) ([]interfaces.ShardRequest, error) {
	var resp api.ShardRequestsResponse
	if err := c.do(ctx, http.MethodGet, "/owner/recovery/requests", true, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

// Approve releases the requested parcel to the dealer.
func (c *OwnerClient) Approve(ctx context.Context, dealer interfaces.IdentityAddress, shareID uuid.UUID) error {
	path := fmt.Sprintf("/owner/recovery/requests/%s/%s/approve", dealer, shareID)
	return c.do(ctx, http.MethodPost, path, true, nil, nil)
}

func (c *OwnerClient) Reject(ctx context.Context, dealer interfaces.IdentityAddress, shareID uuid.UUID) error {
	path := fmt.Sprintf("/owner/recovery/requests/%s/%s/reject", dealer, shareID)
	return c.do(ctx, http.MethodPost, path, true, nil, nil)
}

func (c *OwnerClient) Status(ctx context.Context) (*interfaces.RecoveryStatusRedacted, error) {
	var status interfaces.RecoveryStatusRedacted
	if err := c.do(ctx, http.MethodGet, "/recovery/status", false, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// EnterRecovery starts recovery; the host emails a verification link.
func (c *OwnerClient) EnterRecovery(ctx context.Context) (string, error) {
	var resp api.RecoveryStateResponse
	if err := c.do(ctx, http.MethodPost, "/recovery/enter", false, nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

func (c *OwnerClient) ExitRecovery(ctx context.Context) (string, error) {
	var resp api.RecoveryStateResponse
	if err := c.do(ctx, http.MethodPost, "/recovery/exit", false, nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}
