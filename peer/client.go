package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/api"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// StatusError is a non-2xx answer from a peer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer returned %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the request cannot help.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a peer rejection that should not be retried.
func IsPermanent(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Permanent()
}

// HTTPClient implements interfaces.PeerClient over signed HTTP requests.
type HTTPClient struct {
	signer   *Signer
	resolver interfaces.EndpointResolver
	http     *http.Client
	log      *slog.Logger
}

// NewHTTPClient creates a peer client. timeout bounds every request.
func NewHTTPClient(signer *Signer, resolver interfaces.EndpointResolver, timeout time.Duration, log *slog.Logger) *HTTPClient {
	return &HTTPClient{
		signer:   signer,
		resolver: resolver,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

func (c *HTTPClient) VerifyShard(ctx context.Context, player interfaces.IdentityAddress, shareID uuid.UUID) (interfaces.ShardVerificationResult, error) {
	var resp api.VerifyShardResponse
	if err := c.post(ctx, player, api.PathVerifyShard, api.VerifyShardRequest{ShareID: shareID}, &resp); err != nil {
		return interfaces.ShardVerificationResult{IsValid: false, RemoteServerError: true}, err
	}
	return interfaces.ShardVerificationResult{IsValid: resp.IsValid, Created: resp.Created}, nil
}

func (c *HTTPClient) DeliverParcel(ctx context.Context, item interfaces.OutboxItem) error {
	if item.Sender != c.signer.Identity() {
		return fmt.Errorf("%w: cannot deliver on behalf of %s", interfaces.ErrValidation, item.Sender)
	}
	return c.post(ctx, item.Recipient, api.PathParcel, item, nil)
}

func (c *HTTPClient) RequestShard(ctx context.Context, player interfaces.IdentityAddress, shareID uuid.UUID) error {
	return c.post(ctx, player, api.PathRequestShard, api.RequestShardRequest{ShareID: shareID}, nil)
}

func (c *HTTPClient) ReleaseParcel(ctx context.Context, dealer interfaces.IdentityAddress, parcel interfaces.EncryptedShareParcel) error {
	return c.post(ctx, dealer, api.PathRelease, api.ReleaseParcelRequest{Parcel: parcel}, nil)
}

func (c *HTTPClient) post(ctx context.Context, target interfaces.IdentityAddress, path string, in, out any) error {
	endpoint, err := c.resolver.Resolve(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", target, err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(endpoint, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signer.Sign(req, body); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", interfaces.ErrUnauthorizedPeer, statusErr)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", interfaces.ErrUnknownShare, statusErr)
		case http.StatusConflict:
			return fmt.Errorf("%w: %w", interfaces.ErrInvalidState, statusErr)
		default:
			return statusErr
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse response from %s: %w", target, err)
	}
	return nil
}
