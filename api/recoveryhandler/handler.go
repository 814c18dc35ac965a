package recoveryhandler

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/api"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/peer"
	"github.com/ruteri/identity-recovery-backend/recovery"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Dependencies are the recovery components served over HTTP.
type Dependencies struct {
	Registry      *recovery.Registry
	StateMachine  *recovery.StateMachine
	Verifier      *recovery.RemoteShardVerifier
	Keeper        *recovery.ShardKeeper
	Outbox        interfaces.Outbox
	Authenticator *peer.Authenticator
}

// Handler exposes the owner, account-recovery and peer APIs of one identity host.
type Handler struct {
	self       interfaces.IdentityAddress
	ownerToken string
	deps       Dependencies
	log        *slog.Logger
}

// NewHandler creates the handler. ownerToken authenticates owner routes.
func NewHandler(self interfaces.IdentityAddress, ownerToken string, deps Dependencies, log *slog.Logger) *Handler {
	return &Handler{self: self, ownerToken: ownerToken, deps: deps, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/owner/recovery", func(r chi.Router) {
		r.Use(h.ownerOnly)
		r.Post("/configure", h.HandleConfigure)
		r.Get("/config", h.HandleGetConfig)
		r.Get("/players", h.HandleGetPlayers)
		r.Post("/verify", h.HandleVerify)
		r.Get("/delivery", h.HandleDelivery)
		r.Get("/recovery-key", h.HandleRecoveryKey)
		r.Post("/rotate", h.HandleRotate)
		r.Post("/force-exit", h.HandleForceExit)
		r.Get("/parcels", h.HandleHeldParcels)
		r.Post("/release/{dealer}/{shareId}", h.HandleRelease)
		r.Get("/requests", h.HandleShardRequests)
		r.Post("/requests/{dealer}/{shareId}/approve", h.HandleApproveRequest)
		r.Post("/requests/{dealer}/{shareId}/reject", h.HandleRejectRequest)
	})

	r.Route("/recovery", func(r chi.Router) {
		r.Post("/enter", h.HandleEnter)
		r.Post("/exit", h.HandleExit)
		r.Get("/status", h.HandleStatus)
		r.Get("/verify-enter/{nonce}", h.HandleVerifyEnter)
		r.Get("/verify-exit/{nonce}", h.HandleVerifyExit)
		r.Get("/finalize/{nonce}", h.HandleFinalize)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.deps.Authenticator.Middleware)
		r.Post(api.PathVerifyShard, h.HandleVerifyShard)
		r.Post(api.PathParcel, h.HandleParcel)
		r.Post(api.PathRelease, h.HandleReleasedParcel)
		r.Post(api.PathRequestShard, h.HandleRequestShard)
	})
}

type callerKey struct{}

// ownerOnly authenticates the owner token and builds the caller context. The
// master key header is optional here; operations that need it check for it.
func (h *Handler) ownerOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(api.OwnerTokenHeader)
		if h.ownerToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.ownerToken)) != 1 {
			http.Error(w, "owner authentication required", http.StatusUnauthorized)
			return
		}

		caller := interfaces.CallerContext{Identity: h.self, Caller: h.self}
		if raw := r.Header.Get(api.MasterKeyHeader); raw != "" {
			key, err := base64.StdEncoding.DecodeString(raw)
			if err != nil || len(key) == 0 {
				http.Error(w, "invalid master key encoding", http.StatusBadRequest)
				return
			}
			caller.MasterKey = key
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

// HandleConfigure (re)configures social recovery.
//
// URL format: POST /owner/recovery/configure
// Required headers: X-Owner-Token, X-Master-Key
// Request body: api.ConfigureRequest
// Response: api.ConfigureResponse
func (h *Handler) HandleConfigure(w http.ResponseWriter, r *http.Request) {
	var req api.ConfigureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	players := make([]interfaces.Player, 0, len(req.Players))
	for _, p := range req.Players {
		addr, err := interfaces.NewIdentityAddress(p.Address)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		typ, err := interfaces.ParsePlayerType(p.Type)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		players = append(players, interfaces.Player{Address: addr, Type: typ})
	}

	caller := callerFrom(r.Context())
	res, err := h.deps.Registry.Configure(r.Context(), caller, recovery.ConfigureRequest{
		Players:           players,
		MinMatchingShares: req.MinMatchingShares,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := api.ConfigureResponse{Config: res.Config, Outcomes: make([]api.DeliveryOutcome, 0, len(res.Outcomes))}
	for _, o := range res.Outcomes {
		resp.Outcomes = append(resp.Outcomes, api.DeliveryOutcome{Player: o.Player.Address, ShareID: o.ShareID, Status: o.Status.String()})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Registry.GetRedactedConfig(r.Context(), callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) HandleGetPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.deps.Registry.GetPlayers(r.Context(), callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.PlayersResponse{Players: players})
}

// HandleVerify asks every player for custody of its share. Unreachable
// players are reported as invalid with remote_server_error set.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	results, err := h.deps.Verifier.Verify(r.Context(), callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.VerifyResponse{Results: results})
}

func (h *Handler) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	deliveries, err := h.deps.Outbox.DeliveryStatus(r.Context(), h.self)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.DeliveryResponse{Deliveries: deliveries})
}

func (h *Handler) HandleRecoveryKey(w http.ResponseWriter, r *http.Request) {
	phrase, err := h.deps.Registry.RevealRecoveryKey(r.Context(), callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, api.RecoveryKeyResponse{Mnemonic: phrase})
}

func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	var req api.RotateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rotated, err := h.deps.Registry.RotateIfStale(r.Context(), callerFrom(r.Context()), req.CredentialsUpdatedAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.RotateResponse{Rotated: rotated})
}

func (h *Handler) HandleForceExit(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.StateMachine.ForceExit(r.Context(), callerFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.RecoveryStateResponse{State: interfaces.RecoveryStateNone.String()})
}

func (h *Handler) HandleHeldParcels(w http.ResponseWriter, r *http.Request) {
	parcels, err := h.deps.Keeper.HeldParcels(r.Context(), callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := api.HeldParcelsResponse{Parcels: make([]api.HeldParcel, 0, len(parcels))}
	for _, p := range parcels {
		resp.Parcels = append(resp.Parcels, api.HeldParcel{Dealer: p.Dealer, ShareID: p.ShareID, CreatedAt: p.CreatedAt})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleRelease returns a held parcel to the dealer that is recovering.
//
// URL format: POST /owner/recovery/release/{dealer}/{shareId}
func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	dealer, shareID, err := parseShareRef(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Keeper.ReleaseParcel(r.Context(), callerFrom(r.Context()), dealer, shareID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleShardRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.deps.Keeper.PendingRequests(r.Context(), callerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.ShardRequestsResponse{Requests: requests})
}

// HandleApproveRequest releases the parcel a recovering dealer asked for.
//
// URL format: POST /owner/recovery/requests/{dealer}/{shareId}/approve
func (h *Handler) HandleApproveRequest(w http.ResponseWriter, r *http.Request) {
	dealer, shareID, err := parseShareRef(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Keeper.ApproveRequest(r.Context(), callerFrom(r.Context()), dealer, shareID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRejectRequest declines a dealer's request and keeps the parcel.
//
// URL format: POST /owner/recovery/requests/{dealer}/{shareId}/reject
func (h *Handler) HandleRejectRequest(w http.ResponseWriter, r *http.Request) {
	dealer, shareID, err := parseShareRef(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Keeper.RejectRequest(r.Context(), callerFrom(r.Context()), dealer, shareID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseShareRef(r *http.Request) (interfaces.IdentityAddress, uuid.UUID, error) {
	dealer, err := interfaces.NewIdentityAddress(chi.URLParam(r, "dealer"))
	if err != nil {
		return "", uuid.Nil, err
	}
	shareID, err := parseUUID(chi.URLParam(r, "shareId"))
	if err != nil {
		return "", uuid.Nil, err
	}
	return dealer, shareID, nil
}

func parseUUID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", interfaces.ErrValidation, raw)
	}
	return id, nil
}
