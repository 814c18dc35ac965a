package recovery

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/email"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/jobs"
	"github.com/ruteri/identity-recovery-backend/storage"
	"github.com/stretchr/testify/require"
)

const (
	dealer = interfaces.IdentityAddress("frodo.me")
)

var masterKey = []byte("frodo-master-key-0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func owner() interfaces.CallerContext {
	return interfaces.CallerContext{Identity: dealer, Caller: dealer, MasterKey: masterKey}
}

func delegates(addresses ...string) []interfaces.Player {
	players := make([]interfaces.Player, 0, len(addresses))
	for _, a := range addresses {
		players = append(players, interfaces.Player{Address: interfaces.IdentityAddress(a), Type: interfaces.PlayerTypeDelegate})
	}
	return players
}

// fakeOutbox records items in the transaction and rejects configured recipients.
type fakeOutbox struct {
	mu       sync.Mutex
	reject   map[interfaces.IdentityAddress]bool
	enqueued []interfaces.OutboxItem
}

func newFakeOutbox(reject ...interfaces.IdentityAddress) *fakeOutbox {
	o := &fakeOutbox{reject: map[interfaces.IdentityAddress]bool{}}
	for _, r := range reject {
		o.reject[r] = true
	}
	return o
}

func (o *fakeOutbox) Enqueue(tx interfaces.RecordTx, item interfaces.OutboxItem) (interfaces.TransferStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reject[item.Recipient] {
		return interfaces.TransferStatusRecipientRejected, nil
	}
	item.ID = uuid.New()
	o.enqueued = append(o.enqueued, item)
	return interfaces.TransferStatusEnqueued, storage.PutRecord(tx, interfaces.PrefixOutbox+item.ID.String(), item)
}

func (o *fakeOutbox) Prune(tx interfaces.RecordTx, keep []interfaces.IdentityAddress) error {
	return nil
}

func (o *fakeOutbox) ProcessNow(ctx context.Context, identity interfaces.IdentityAddress) error {
	return nil
}

func (o *fakeOutbox) DeliveryStatus(ctx context.Context, identity interfaces.IdentityAddress) ([]interfaces.DeliveryRecord, error) {
	return nil, nil
}

// lastParcels decodes the parcels of the most recent configuration, one per player.
func (o *fakeOutbox) lastParcels(t *testing.T, n int) []interfaces.EncryptedShareParcel {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.GreaterOrEqual(t, len(o.enqueued), n)
	parcels := make([]interfaces.EncryptedShareParcel, 0, n)
	for _, item := range o.enqueued[len(o.enqueued)-n:] {
		var parcel interfaces.EncryptedShareParcel
		require.NoError(t, storage.DecodeRecord(item.Payload, &parcel))
		parcels = append(parcels, parcel)
	}
	return parcels
}

// captureMailer hands every sent message to a channel.
type captureMailer struct {
	sent chan interfaces.EmailMessage
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{sent: make(chan interfaces.EmailMessage, 16)}
}

func (m *captureMailer) Send(ctx context.Context, msg interfaces.EmailMessage) error {
	m.sent <- msg
	return nil
}

func (m *captureMailer) Name() string { return "capture" }

var linkRegex = regexp.MustCompile(`https://\S+`)

// nextLink waits for the next email and returns the link it carries.
func (m *captureMailer) nextLink(t *testing.T) *url.URL {
	t.Helper()
	select {
	case msg := <-m.sent:
		raw := linkRegex.FindString(msg.Body)
		require.NotEmpty(t, raw, "email carries a link")
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no email sent")
		return nil
	}
}

// nonceFromLink extracts the nonce id from the last path segment of a link.
func nonceFromLink(t *testing.T, u *url.URL) uuid.UUID {
	t.Helper()
	segments := regexp.MustCompile(`[^/]+$`).FindString(u.Path)
	id, err := uuid.Parse(segments)
	require.NoError(t, err)
	return id
}

func newMailingGateway(t *testing.T) (*email.Gateway, *captureMailer) {
	t.Helper()
	scheduler := jobs.NewScheduler(jobs.Config{Workers: 1}, testLogger())
	scheduler.Start(context.Background())
	t.Cleanup(scheduler.Stop)

	mailer := newCaptureMailer()
	gw := email.NewGateway(email.Config{
		Enabled:    true,
		Production: true,
		BaseURL:    "https://frodo.me",
		OwnerEmail: "frodo@shire.org",
	}, mailer, scheduler, testLogger())
	return gw, mailer
}

type recoveryFixture struct {
	store    interfaces.RecordStore
	outbox   *fakeOutbox
	registry *Registry
	sm       *StateMachine
	mailer   *captureMailer
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	store := storage.NewMemoryBackend(testLogger())
	outbox := newFakeOutbox()
	gw, mailer := newMailingGateway(t)
	return &recoveryFixture{
		store:    store,
		outbox:   outbox,
		registry: NewRegistry(store, outbox, testLogger()),
		sm:       NewStateMachine(store, gw, testLogger()),
		mailer:   mailer,
	}
}

func (f *recoveryFixture) status(t *testing.T) *interfaces.RecoveryStatus {
	t.Helper()
	var status *interfaces.RecoveryStatus
	require.NoError(t, f.store.View(context.Background(), dealer, func(tx interfaces.RecordTx) error {
		var err error
		status, err = loadStatus(tx)
		return err
	}))
	return status
}
