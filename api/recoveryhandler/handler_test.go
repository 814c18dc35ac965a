package recoveryhandler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/api"
	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/email"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/jobs"
	"github.com/ruteri/identity-recovery-backend/peer"
	"github.com/ruteri/identity-recovery-backend/recovery"
	"github.com/ruteri/identity-recovery-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ownerToken = "second-breakfast"

var masterKey = []byte("frodo-master-key-0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureMailer struct {
	sent chan interfaces.EmailMessage
}

func (m *captureMailer) Send(ctx context.Context, msg interfaces.EmailMessage) error {
	m.sent <- msg
	return nil
}

func (m *captureMailer) Name() string { return "capture" }

var linkRegex = regexp.MustCompile(`https?://\S+`)

func (m *captureMailer) nextLink(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-m.sent:
		link := linkRegex.FindString(msg.Body)
		require.NotEmpty(t, link)
		return link
	case <-time.After(2 * time.Second):
		t.Fatal("no email sent")
		return ""
	}
}

// testHost is one identity host served by httptest.
type testHost struct {
	identity interfaces.IdentityAddress
	key      []byte
	srv      *httptest.Server
	router   chi.Router
	outbox   *peer.ReliableOutbox
	mailer   *captureMailer
}

// network is a set of hosts that know each other's keys and endpoints.
type network struct {
	dir      *peer.Directory
	resolver *peer.StaticResolver
	store    interfaces.RecordStore
	sched    *jobs.Scheduler
	hosts    map[interfaces.IdentityAddress]*testHost
}

func newNetwork(t *testing.T, identities ...string) *network {
	t.Helper()
	sched := jobs.NewScheduler(jobs.Config{Workers: 4}, testLogger())
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	n := &network{
		dir:      peer.NewDirectory(),
		resolver: peer.NewStaticResolver(nil),
		store:    storage.NewMemoryBackend(testLogger()),
		sched:    sched,
		hosts:    map[interfaces.IdentityAddress]*testHost{},
	}

	keys := map[interfaces.IdentityAddress][]byte{}
	for _, raw := range identities {
		id := interfaces.IdentityAddress(raw)
		privPEM, pubPEM, err := cryptoutils.GeneratePeerKeyPair()
		require.NoError(t, err)
		require.NoError(t, n.dir.Add(id, pubPEM))
		keys[id] = privPEM

		router := chi.NewRouter()
		srv := httptest.NewServer(router)
		t.Cleanup(srv.Close)
		n.resolver.Set(id, srv.URL)
		n.hosts[id] = &testHost{identity: id, key: privPEM, srv: srv, router: router}
	}

	for id, h := range n.hosts {
		key, err := cryptoutils.ParsePrivateKey(keys[id])
		require.NoError(t, err)
		client := peer.NewHTTPClient(peer.NewSigner(id, key), n.resolver, 2*time.Second, testLogger())

		h.mailer = &captureMailer{sent: make(chan interfaces.EmailMessage, 8)}
		gw := email.NewGateway(email.Config{
			Enabled:    true,
			Production: true,
			BaseURL:    h.srv.URL,
			OwnerEmail: "owner@" + string(id),
		}, h.mailer, sched, testLogger())

		h.outbox = peer.NewOutbox(n.dir, n.store, client, sched, peer.OutboxConfig{MaxAttempts: 3, Backoff: 10 * time.Millisecond}, testLogger())
		verifier := recovery.NewRemoteShardVerifier(n.store, client, recovery.DefaultVerifierConfig(), testLogger())
		handler := NewHandler(id, ownerToken, Dependencies{
			Registry:      recovery.NewRegistry(n.store, h.outbox, testLogger()),
			StateMachine:  recovery.NewStateMachine(n.store, gw, testLogger()).WithShardRequester(verifier),
			Verifier:      verifier,
			Keeper:        recovery.NewShardKeeper(id, key, n.store, client, testLogger()),
			Outbox:        h.outbox,
			Authenticator: peer.NewAuthenticator(n.dir, testLogger()),
		}, testLogger())
		handler.RegisterRoutes(h.router)
	}
	return n
}

type call struct {
	method    string
	path      string
	body      any
	owner     bool
	masterKey []byte
}

func (h *testHost) do(t *testing.T, c call, out any) int {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	target := c.path
	if strings.HasPrefix(c.path, "/") {
		target = h.srv.URL + c.path
	}
	req, err := http.NewRequest(c.method, target, body)
	require.NoError(t, err)
	if c.owner {
		req.Header.Set(api.OwnerTokenHeader, ownerToken)
	}
	if c.masterKey != nil {
		req.Header.Set(api.MasterKeyHeader, base64.StdEncoding.EncodeToString(c.masterKey))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

var roster = api.ConfigureRequest{
	Players: []api.PlayerRequest{
		{Address: "sam.me", Type: "delegate"},
		{Address: "merry.me", Type: "delegate"},
		{Address: "pippin.me", Type: "delegate"},
	},
	MinMatchingShares: 2,
}

func TestOwnerAuthentication(t *testing.T) {
	n := newNetwork(t, "frodo.me", "sam.me", "merry.me", "pippin.me")
	frodo := n.hosts["frodo.me"]

	assert.Equal(t, http.StatusUnauthorized, frodo.do(t, call{method: http.MethodGet, path: "/owner/recovery/config"}, nil))

	// Configure without the master key is refused before anything is dealt.
	assert.Equal(t, http.StatusUnauthorized, frodo.do(t, call{method: http.MethodPost, path: "/owner/recovery/configure", body: roster, owner: true}, nil))
	assert.Equal(t, http.StatusNotFound, frodo.do(t, call{method: http.MethodGet, path: "/owner/recovery/config", owner: true}, nil))

	bad := roster
	bad.MinMatchingShares = 5
	assert.Equal(t, http.StatusBadRequest, frodo.do(t, call{method: http.MethodPost, path: "/owner/recovery/configure", body: bad, owner: true, masterKey: masterKey}, nil))

	manual := api.ConfigureRequest{Players: append([]api.PlayerRequest{}, roster.Players...), MinMatchingShares: 2}
	manual.Players[0].Type = "manual"
	assert.Equal(t, http.StatusBadRequest, frodo.do(t, call{method: http.MethodPost, path: "/owner/recovery/configure", body: manual, owner: true, masterKey: masterKey}, nil))
}

func TestPeerRoutesRequireSignature(t *testing.T) {
	n := newNetwork(t, "frodo.me", "sam.me")
	sam := n.hosts["sam.me"]

	status := sam.do(t, call{method: http.MethodPost, path: api.PathVerifyShard, body: api.VerifyShardRequest{ShareID: uuid.New()}}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSocialRecoveryOverHTTP(t *testing.T) {
	n := newNetwork(t, "frodo.me", "sam.me", "merry.me", "pippin.me")
	frodo := n.hosts["frodo.me"]

	var configured api.ConfigureResponse
	require.Equal(t, http.StatusOK, frodo.do(t, call{method: http.MethodPost, path: "/owner/recovery/configure", body: roster, owner: true, masterKey: masterKey}, &configured))
	require.Len(t, configured.Config.Envelopes, 3)
	assert.Equal(t, 2, configured.Config.MinMatchingShares)
	require.Len(t, configured.Outcomes, 3)
	for i, o := range configured.Outcomes {
		assert.Equal(t, interfaces.IdentityAddress(roster.Players[i].Address), o.Player)
		assert.Equal(t, interfaces.TransferStatusEnqueued.String(), o.Status)
		assert.Equal(t, configured.Config.Envelopes[i].ShareID.String(), o.ShareID)
	}

	var phrase api.RecoveryKeyResponse
	require.Equal(t, http.StatusOK, frodo.do(t, call{method: http.MethodGet, path: "/owner/recovery/recovery-key", owner: true, masterKey: masterKey}, &phrase))
	require.NotEmpty(t, phrase.Mnemonic)

	require.Eventually(t, func() bool {
		var delivery api.DeliveryResponse
		if frodo.do(t, call{method: http.MethodGet, path: "/owner/recovery/delivery", owner: true}, &delivery) != http.StatusOK {
			return false
		}
		delivered := 0
		for _, d := range delivery.Deliveries {
			if d.Status == interfaces.TransferStatusDelivered {
				delivered++
			}
		}
		return delivered == 3
	}, 3*time.Second, 20*time.Millisecond)

	var verified api.VerifyResponse
	require.Equal(t, http.StatusOK, frodo.do(t, call{method: http.MethodPost, path: "/owner/recovery/verify", owner: true}, &verified))
	for _, p := range roster.Players {
		assert.True(t, verified.Results[interfaces.IdentityAddress(p.Address)].IsValid, p.Address)
	}

	// Releasing before recovery is refused by the dealer.
	sam := n.hosts["sam.me"]
	var held api.HeldParcelsResponse
	require.Equal(t, http.StatusOK, sam.do(t, call{method: http.MethodGet, path: "/owner/recovery/parcels", owner: true}, &held))
	require.Len(t, held.Parcels, 1)
	releasePath := func(p api.HeldParcel) string {
		return fmt.Sprintf("/owner/recovery/release/%s/%s", p.Dealer, p.ShareID)
	}
	assert.Equal(t, http.StatusConflict, sam.do(t, call{method: http.MethodPost, path: releasePath(held.Parcels[0]), owner: true}, nil))

	var state api.RecoveryStateResponse
	require.Equal(t, http.StatusAccepted, frodo.do(t, call{method: http.MethodPost, path: "/recovery/enter"}, &state))
	assert.Equal(t, interfaces.RecoveryStateAwaitingEnterEmailVerification.String(), state.State)

	enterLink := frodo.mailer.nextLink(t)
	require.Equal(t, http.StatusOK, frodo.do(t, call{method: http.MethodGet, path: enterLink}, &state))
	assert.Equal(t, interfaces.RecoveryStateAwaitingSufficientDelegateConfirmation.String(), state.State)
	assert.Equal(t, http.StatusGone, frodo.do(t, call{method: http.MethodGet, path: enterLink}, nil), "links are single use")

	// Verifying the enter link asked every player for its parcel.
	pendingOf := func(player *testHost) []interfaces.ShardRequest {
		var requests api.ShardRequestsResponse
		require.Equal(t, http.StatusOK, player.do(t, call{method: http.MethodGet, path: "/owner/recovery/requests", owner: true}, &requests))
		return requests.Requests
	}
	decide := func(r interfaces.ShardRequest, verb string) string {
		return fmt.Sprintf("/owner/recovery/requests/%s/%s/%s", r.Dealer, r.ShareID, verb)
	}

	merry := n.hosts["merry.me"]
	merryPending := pendingOf(merry)
	require.Len(t, merryPending, 1)
	require.Equal(t, http.StatusNoContent, merry.do(t, call{method: http.MethodPost, path: decide(merryPending[0], "reject"), owner: true}, nil))
	assert.Empty(t, pendingOf(merry))
	assert.Equal(t, http.StatusConflict, merry.do(t, call{method: http.MethodPost, path: decide(merryPending[0], "approve"), owner: true}, nil), "a rejected request cannot be approved")

	for _, id := range []interfaces.IdentityAddress{"sam.me", "pippin.me"} {
		player := n.hosts[id]
		pending := pendingOf(player)
		require.Len(t, pending, 1)
		assert.Equal(t, frodo.identity, pending[0].Dealer)
		assert.Equal(t, interfaces.ShardRequestPending, pending[0].Status)
		assert.Equal(t, http.StatusUnauthorized, player.do(t, call{method: http.MethodPost, path: decide(pending[0], "approve")}, nil))
		require.Equal(t, http.StatusNoContent, player.do(t, call{method: http.MethodPost, path: decide(pending[0], "approve"), owner: true}, nil))
		assert.Empty(t, pendingOf(player))
	}

	var status interfaces.RecoveryStatusRedacted
	require.Equal(t, http.StatusOK, frodo.do(t, call{method: http.MethodGet, path: "/recovery/status"}, &status))
	assert.Equal(t, interfaces.RecoveryStateAwaitingOwnerFinalization.String(), status.State)
	assert.Equal(t, "o***r@f***o.me", status.Email)

	finalizeLink := frodo.mailer.nextLink(t)
	u, err := url.Parse(finalizeLink)
	require.NoError(t, err)
	tampered := *u
	tampered.RawQuery = url.Values{recovery.FinalizeKeyParam: []string{base64.RawURLEncoding.EncodeToString(make([]byte, 32))}}.Encode()
	assert.Equal(t, http.StatusBadRequest, frodo.do(t, call{method: http.MethodGet, path: tampered.String()}, nil))

	var recovered api.RecoveryKeyResponse
	require.Equal(t, http.StatusOK, frodo.do(t, call{method: http.MethodGet, path: finalizeLink}, &recovered))
	assert.Equal(t, phrase.Mnemonic, recovered.Mnemonic)

	require.Equal(t, http.StatusOK, frodo.do(t, call{method: http.MethodGet, path: "/recovery/status"}, &status))
	assert.Equal(t, interfaces.RecoveryStateNone.String(), status.State)
}

func TestForceExitOverHTTP(t *testing.T) {
	n := newNetwork(t, "frodo.me", "sam.me", "merry.me", "pippin.me")
	frodo := n.hosts["frodo.me"]
	require.Equal(t, http.StatusOK, frodo.do(t, call{method: http.MethodPost, path: "/owner/recovery/configure", body: roster, owner: true, masterKey: masterKey}, nil))
	require.Equal(t, http.StatusAccepted, frodo.do(t, call{method: http.MethodPost, path: "/recovery/enter"}, nil))

	assert.Equal(t, http.StatusUnauthorized, frodo.do(t, call{method: http.MethodPost, path: "/owner/recovery/force-exit", owner: true}, nil))
	assert.Equal(t, http.StatusOK, frodo.do(t, call{method: http.MethodPost, path: "/owner/recovery/force-exit", owner: true, masterKey: masterKey}, nil))

	// The outstanding enter link died with the forced exit.
	assert.Equal(t, http.StatusGone, frodo.do(t, call{method: http.MethodGet, path: frodo.mailer.nextLink(t)}, nil))
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("roster: %w", interfaces.ErrValidation), http.StatusBadRequest},
		{interfaces.ErrUnsupportedPlayerType, http.StatusBadRequest},
		{interfaces.ErrMasterKeyRequired, http.StatusUnauthorized},
		{interfaces.ErrNotOwner, http.StatusForbidden},
		{interfaces.ErrMasterKeyMismatch, http.StatusForbidden},
		{interfaces.ErrNotConfigured, http.StatusNotFound},
		{interfaces.ErrInvalidState, http.StatusConflict},
		{interfaces.ErrNonceExpired, http.StatusGone},
		{interfaces.ErrNonceNotFound, http.StatusGone},
		{interfaces.ErrEmailDisabled, http.StatusServiceUnavailable},
		{interfaces.ErrReconstructionFailed, http.StatusInternalServerError},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.status, statusFor(tc.err))
		})
	}
}
