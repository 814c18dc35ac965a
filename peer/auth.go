package peer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ruteri/identity-recovery-backend/api"
	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// MaxRequestBody bounds the body of a signed peer request.
const MaxRequestBody = 1 << 20

// MaxClockSkew bounds how far a peer request timestamp may be from local time.
const MaxClockSkew = 5 * time.Minute

type contextKey struct{}

// WithPeer returns a context carrying the authenticated peer identity.
func WithPeer(ctx context.Context, identity interfaces.IdentityAddress) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// PeerFromContext returns the peer identity set by the Authenticator.
func PeerFromContext(ctx context.Context) (interfaces.IdentityAddress, bool) {
	identity, ok := ctx.Value(contextKey{}).(interfaces.IdentityAddress)
	return identity, ok && identity != ""
}

// Authenticator verifies signed peer requests against the directory.
type Authenticator struct {
	dir *Directory
	log *slog.Logger
	now func() time.Time
}

// NewAuthenticator creates an authenticator backed by dir.
func NewAuthenticator(dir *Directory, log *slog.Logger) *Authenticator {
	return &Authenticator{dir: dir, log: log, now: time.Now}
}

// Middleware rejects requests from unknown identities, with a stale timestamp
// or with a bad signature before they reach the wrapped handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := interfaces.NewIdentityAddress(r.Header.Get(api.PeerIdentityHeader))
		if err != nil {
			http.Error(w, "missing or invalid peer identity", http.StatusUnauthorized)
			return
		}

		pub, ok := a.dir.PublicKey(identity)
		if !ok {
			a.log.Warn("Rejected request from unconnected identity", slog.String("peer", string(identity)))
			http.Error(w, "unknown peer", http.StatusForbidden)
			return
		}

		signature, err := base64.StdEncoding.DecodeString(r.Header.Get(api.PeerSignatureHeader))
		if err != nil || len(signature) == 0 {
			http.Error(w, "missing or invalid peer signature", http.StatusUnauthorized)
			return
		}

		timestamp, err := strconv.ParseInt(r.Header.Get(api.PeerTimestampHeader), 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid peer timestamp", http.StatusUnauthorized)
			return
		}
		if skew := a.now().Sub(time.Unix(timestamp, 0)); skew > MaxClockSkew || skew < -MaxClockSkew {
			a.log.Warn("Rejected stale peer request",
				slog.String("peer", string(identity)),
				slog.Duration("skew", skew))
			http.Error(w, "stale peer request", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > MaxRequestBody {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		if !cryptoutils.VerifyRequest(pub, timestamp, r.URL.Path, body, signature) {
			a.log.Warn("Rejected peer request with bad signature",
				slog.String("peer", string(identity)),
				slog.String("path", r.URL.Path))
			http.Error(w, "invalid peer signature", http.StatusForbidden)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(WithPeer(r.Context(), identity)))
	})
}

// Signer signs outgoing peer requests on behalf of the local identity.
type Signer struct {
	identity interfaces.IdentityAddress
	key      *ecdsa.PrivateKey
	now      func() time.Time
}

// NewSigner creates a signer for identity.
func NewSigner(identity interfaces.IdentityAddress, key *ecdsa.PrivateKey) *Signer {
	return &Signer{identity: identity, key: key, now: time.Now}
}

// Identity returns the signing identity.
func (s *Signer) Identity() interfaces.IdentityAddress {
	return s.identity
}

// PublicKey returns the signing key's public half.
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// PrivateKey returns the host key, also used to open parcels sealed to this host.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// Sign sets the identity, timestamp and signature headers on req for body.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	timestamp := s.now().Unix()
	signature, err := cryptoutils.SignRequest(s.key, timestamp, req.URL.Path, body)
	if err != nil {
		return err
	}
	req.Header.Set(api.PeerIdentityHeader, string(s.identity))
	req.Header.Set(api.PeerTimestampHeader, strconv.FormatInt(timestamp, 10))
	req.Header.Set(api.PeerSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	return nil
}
