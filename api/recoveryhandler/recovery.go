package recoveryhandler

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/identity-recovery-backend/api"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/ruteri/identity-recovery-backend/peer"
	"github.com/ruteri/identity-recovery-backend/recovery"
)

func withCaller(ctx context.Context, caller interfaces.CallerContext) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func callerFrom(ctx context.Context) interfaces.CallerContext {
	caller, _ := ctx.Value(callerKey{}).(interfaces.CallerContext)
	return caller
}

// HandleEnter starts account recovery and emails the owner a verification link.
//
// URL format: POST /recovery/enter
func (h *Handler) HandleEnter(w http.ResponseWriter, r *http.Request) {
	state, err := h.deps.StateMachine.InitiateEnter(r.Context(), h.self)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, api.RecoveryStateResponse{State: state.String()})
}

// HandleExit asks the owner to confirm cancelling recovery by email.
//
// URL format: POST /recovery/exit
func (h *Handler) HandleExit(w http.ResponseWriter, r *http.Request) {
	state, err := h.deps.StateMachine.InitiateExit(r.Context(), h.self)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, api.RecoveryStateResponse{State: state.String()})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.deps.StateMachine.GetStatus(r.Context(), h.self)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// HandleVerifyEnter is the target of the enter verification link.
//
// URL format: GET /recovery/verify-enter/{nonce}
func (h *Handler) HandleVerifyEnter(w http.ResponseWriter, r *http.Request) {
	nonceID, err := parseUUID(chi.URLParam(r, "nonce"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	state, err := h.deps.StateMachine.VerifyEnter(r.Context(), h.self, nonceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.RecoveryStateResponse{State: state.String()})
}

// HandleVerifyExit is the target of the exit verification link.
//
// URL format: GET /recovery/verify-exit/{nonce}
func (h *Handler) HandleVerifyExit(w http.ResponseWriter, r *http.Request) {
	nonceID, err := parseUUID(chi.URLParam(r, "nonce"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	state, err := h.deps.StateMachine.VerifyExit(r.Context(), h.self, nonceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.RecoveryStateResponse{State: state.String()})
}

// HandleFinalize discloses the recovery phrase to the holder of the finalize link.
//
// URL format: GET /recovery/finalize/{nonce}?key=<base64url>
func (h *Handler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	nonceID, err := parseUUID(chi.URLParam(r, "nonce"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	key, err := base64.RawURLEncoding.DecodeString(r.URL.Query().Get(recovery.FinalizeKeyParam))
	if err != nil || len(key) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: missing or malformed finalize key", interfaces.ErrValidation))
		return
	}

	phrase, err := h.deps.StateMachine.FinalizeRecovery(r.Context(), h.self, nonceID, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, api.RecoveryKeyResponse{Mnemonic: phrase})
}

// HandleVerifyShard answers a dealer's custody check. Unknown shares are
// reported as invalid, not as an error.
//
// URL format: POST /password-recovery/verify-shard (signed)
func (h *Handler) HandleVerifyShard(w http.ResponseWriter, r *http.Request) {
	dealer, _ := peer.PeerFromContext(r.Context())

	var req api.VerifyShardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.deps.Keeper.VerifyDealerShard(r.Context(), dealer, req.ShareID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.VerifyShardResponse{IsValid: res.IsValid, Created: res.Created})
}

// HandleParcel receives a parcel from a dealer's outbox.
//
// URL format: POST /password-recovery/parcel (signed)
func (h *Handler) HandleParcel(w http.ResponseWriter, r *http.Request) {
	sender, _ := peer.PeerFromContext(r.Context())

	var item interfaces.OutboxItem
	if err := decodeJSON(w, r, &item); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Keeper.ReceiveParcel(r.Context(), sender, item); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRequestShard queues a recovering dealer's request for its parcel until
// the local owner approves or rejects it.
//
// URL format: POST /password-recovery/request-shard (signed)
func (h *Handler) HandleRequestShard(w http.ResponseWriter, r *http.Request) {
	dealer, _ := peer.PeerFromContext(r.Context())

	var req api.RequestShardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Keeper.RecordRequest(r.Context(), dealer, req.ShareID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleReleasedParcel accepts a parcel a player released back to this dealer.
//
// URL format: POST /password-recovery/release (signed)
func (h *Handler) HandleReleasedParcel(w http.ResponseWriter, r *http.Request) {
	player, _ := peer.PeerFromContext(r.Context())

	var req api.ReleaseParcelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	caller := interfaces.CallerContext{Identity: h.self, Caller: player}
	status, err := h.deps.StateMachine.AcceptShare(r.Context(), caller, req.Parcel)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.ReleaseParcelResponse{State: status.State, CollectedShares: status.CollectedShares})
}
