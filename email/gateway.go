// Package email implements verification by email: single-use nonces stored with
// the identity's records, rendered verification links, and asynchronous delivery
// through the job scheduler.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// DefaultNonceTTL is the lifetime of a verification link.
const DefaultNonceTTL = time.Hour

// Config configures the verification gateway.
type Config struct {
	// Enabled turns email delivery on. When off, production refuses flows that
	// need a verification email and development logs the link instead.
	Enabled bool

	// Production selects fail-closed behavior when delivery is disabled.
	Production bool

	// BaseURL is the public URL verification links point at.
	BaseURL string

	// OwnerEmail receives verification emails.
	OwnerEmail string

	NonceTTL    time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Gateway issues and consumes verification nonces and dispatches emails.
type Gateway struct {
	cfg       Config
	mailer    interfaces.Mailer
	scheduler interfaces.JobScheduler
	log       *slog.Logger
}

// NewGateway creates a gateway. mailer may be nil when delivery is disabled.
func NewGateway(cfg Config, mailer interfaces.Mailer, scheduler interfaces.JobScheduler, log *slog.Logger) *Gateway {
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Gateway{cfg: cfg, mailer: mailer, scheduler: scheduler, log: log}
}

// CanDeliver reports whether emails are actually sent.
func (g *Gateway) CanDeliver() bool {
	return g.cfg.Enabled && g.mailer != nil && g.scheduler != nil && g.cfg.OwnerEmail != ""
}

// CheckDeliverable fails with ErrEmailDisabled when a verification email is
// required but cannot be sent in production.
func (g *Gateway) CheckDeliverable() error {
	if !g.CanDeliver() && g.cfg.Production {
		return interfaces.ErrEmailDisabled
	}
	return nil
}

// OwnerEmail returns the configured owner address.
func (g *Gateway) OwnerEmail() string {
	return g.cfg.OwnerEmail
}

// Issue creates a nonce for purpose inside tx.
func (g *Gateway) Issue(tx interfaces.RecordTx, purpose interfaces.NoncePurpose, data []byte, now time.Time) (interfaces.VerificationNonce, error) {
	return IssueNonce(tx, purpose, data, g.cfg.NonceTTL, now)
}

// Consume atomically pops a nonce and runs fn in the same transaction.
//
// A missing, expired or misdirected nonce is reported after the transaction
// commits, so the pop is durable even when validation fails. If fn returns an
// error nothing is committed and the nonce stays valid.
func (g *Gateway) Consume(ctx context.Context, store interfaces.RecordStore, identity interfaces.IdentityAddress, id uuid.UUID, purpose interfaces.NoncePurpose, now time.Time, fn func(tx interfaces.RecordTx, nonce *interfaces.VerificationNonce) error) error {
	var popErr error
	err := store.Update(ctx, identity, func(tx interfaces.RecordTx) error {
		popErr = nil
		nonce, err := PopNonce(tx, id, purpose, now)
		switch {
		case err == nil:
			return fn(tx, nonce)
		case errors.Is(err, interfaces.ErrNonceNotFound),
			errors.Is(err, interfaces.ErrNonceExpired),
			errors.Is(err, interfaces.ErrNoncePurposeMismatch):
			popErr = err
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return err
	}
	if popErr != nil {
		g.log.Warn("Rejected verification nonce",
			slog.String("identity", string(identity)),
			slog.String("purpose", string(purpose)),
			"err", popErr)
	}
	return popErr
}

// Link builds the public URL for a nonce.
func (g *Gateway) Link(purpose interfaces.NoncePurpose, id uuid.UUID, query url.Values) string {
	var path string
	switch purpose {
	case interfaces.NoncePurposeEnterRecovery:
		path = "/recovery/verify-enter/"
	case interfaces.NoncePurposeExitRecovery:
		path = "/recovery/verify-exit/"
	case interfaces.NoncePurposeFinalize:
		path = "/recovery/finalize/"
	}
	link := g.cfg.BaseURL + path + id.String()
	if len(query) > 0 {
		link += "?" + query.Encode()
	}
	return link
}

// SendVerification renders the email for nonce and dispatches it to the owner.
func (g *Gateway) SendVerification(ctx context.Context, identity interfaces.IdentityAddress, nonce interfaces.VerificationNonce, query url.Values) error {
	link := g.Link(nonce.Purpose, nonce.ID, query)
	msg, err := Render(nonce.Purpose, g.cfg.OwnerEmail, TemplateData{
		Identity:  identity,
		Link:      link,
		ExpiresAt: nonce.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return g.Dispatch(ctx, msg, link)
}

// Dispatch schedules delivery of msg. When delivery is disabled, production
// fails with ErrEmailDisabled and development logs link instead.
func (g *Gateway) Dispatch(ctx context.Context, msg interfaces.EmailMessage, link string) error {
	if !g.CanDeliver() {
		if g.cfg.Production {
			g.log.Error("Email delivery disabled, refusing to continue", slog.String("subject", msg.Subject))
			return interfaces.ErrEmailDisabled
		}
		g.log.Warn("Email delivery disabled, verification link logged for development",
			slog.String("subject", msg.Subject),
			slog.String("link", link))
		return nil
	}

	to := MaskEmail(msg.To)
	jobID, err := g.scheduler.Enqueue(interfaces.Job{
		Name:        "email:" + msg.Subject,
		MaxAttempts: g.cfg.MaxAttempts,
		Backoff:     g.cfg.Backoff,
		Run: func(ctx context.Context) error {
			return g.mailer.Send(ctx, msg)
		},
		OnExhausted: func(err error) {
			g.log.Error("Giving up on verification email", slog.String("to", to), "err", err)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to schedule email: %w", err)
	}

	g.log.Info("Verification email scheduled",
		slog.String("to", to),
		slog.String("mailer", g.mailer.Name()),
		slog.String("job", jobID.String()))
	return nil
}
