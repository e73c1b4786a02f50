package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/parlakisik/campus-exchange/internal/model"
	"github.com/parlakisik/campus-exchange/internal/service"
)

type Handlers struct {
	svc        *service.Service
	maxRetries int
}

func NewHandlers(svc *service.Service, maxRetries int) *Handlers {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Handlers{svc: svc, maxRetries: maxRetries}
}

// withRetry reruns op while it fails with a retryable engine error.
func withRetry[T any](ctx context.Context, maxRetries int, op func() (T, error)) (T, error) {
	var (
		res T
		err error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err = op()
		if err == nil || !service.IsRetryable(err) || ctx.Err() != nil {
			return res, err
		}
		slog.WarnContext(ctx, "operation_retry", "attempt", attempt+1, "error", err)
	}
	return res, err
}

func actor(r *http.Request) service.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "escrow",
	})
}

// Deposit funds a contract's escrow.
// POST /v1/contracts/{id}/deposits
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "deposit", err)
		return
	}
	res, err := withRetry(r.Context(), h.maxRetries, func() (service.DepositResult, error) {
		return h.svc.Deposit(r.Context(), chi.URLParam(r, "id"), actor(r), req.Amount)
	})
	if err != nil {
		respondError(w, r, "deposit", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// POST /v1/contracts/{id}/milestones/{mid}/release
func (h *Handlers) ReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bonus string `json:"bonus"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "release_milestone", err)
		return
	}
	res, err := withRetry(r.Context(), h.maxRetries, func() (service.ReleaseResult, error) {
		return h.svc.ReleaseMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), actor(r), req.Bonus)
	})
	if err != nil {
		respondError(w, r, "release_milestone", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// POST /v1/contracts/{id}/milestones/{mid}/partial-release
func (h *Handlers) PartialRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReleasePct string `json:"release_pct"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "partial_release", err)
		return
	}
	res, err := withRetry(r.Context(), h.maxRetries, func() (service.PartialReleaseResult, error) {
		return h.svc.PartialRelease(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), actor(r), req.ReleasePct)
	})
	if err != nil {
		respondError(w, r, "partial_release", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) StartMilestone(w http.ResponseWriter, r *http.Request) {
	res, err := withRetry(r.Context(), h.maxRetries, func() (model.Milestone, error) {
		return h.svc.StartMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), actor(r))
	})
	if err != nil {
		respondError(w, r, "start_milestone", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) SubmitMilestone(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "submit_milestone", err)
		return
	}
	res, err := withRetry(r.Context(), h.maxRetries, func() (model.Milestone, error) {
		return h.svc.SubmitMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), actor(r), req)
	})
	if err != nil {
		respondError(w, r, "submit_milestone", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) ApproveMilestone(w http.ResponseWriter, r *http.Request) {
	var req service.ApproveInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "approve_milestone", err)
		return
	}
	res, err := withRetry(r.Context(), h.maxRetries, func() (service.ApproveResult, error) {
		return h.svc.ApproveMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), actor(r), req)
	})
	if err != nil {
		respondError(w, r, "approve_milestone", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) RejectMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "reject_milestone", err)
		return
	}
	res, err := withRetry(r.Context(), h.maxRetries, func() (model.Milestone, error) {
		return h.svc.RejectMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "mid"), actor(r), req.Feedback)
	})
	if err != nil {
		respondError(w, r, "reject_milestone", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GET /v1/contracts/{id}/escrow
func (h *Handlers) GetEscrowBalance(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetEscrowBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "get_escrow_balance", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GET /v1/contracts/{id}/transactions
func (h *Handlers) GetTransactions(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "id")
	entries, err := h.svc.GetTransactionHistory(r.Context(), contractID)
	if err != nil {
		respondError(w, r, "get_transactions", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"contract_id":  contractID,
		"transactions": entries,
		"count":        len(entries),
	})
}

func (h *Handlers) GetContract(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetContract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "get_contract", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListMilestones(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ListMilestones(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "list_milestones", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"milestones": res})
}

func (h *Handlers) CancelContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "cancel_contract", err)
		return
	}
	res, err := withRetry(r.Context(), h.maxRetries, func() (service.CancelResult, error) {
		return h.svc.CancelContract(r.Context(), chi.URLParam(r, "id"), actor(r), req.Reason)
	})
	if err != nil {
		respondError(w, r, "cancel_contract", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// POST /v1/contracts/{id}/transactions/{tid}/reverse
func (h *Handlers) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "reverse_entry", err)
		return
	}
	res, err := withRetry(r.Context(), h.maxRetries, func() (service.ReverseResult, error) {
		return h.svc.ReverseEntry(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "tid"), actor(r), req.Reason)
	})
	if err != nil {
		respondError(w, r, "reverse_entry", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListAdminActions(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ListAdminActions(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		respondError(w, r, "list_admin_actions", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"admin_actions": res})
}

// POST /v1/contracts/{id}/disputes
func (h *Handlers) CreateDispute(w http.ResponseWriter, r *http.Request) {
	var req service.CreateDisputeInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "create_dispute", err)
		return
	}
	d, err := withRetry(r.Context(), h.maxRetries, func() (model.Dispute, error) {
		return h.svc.CreateDispute(r.Context(), chi.URLParam(r, "id"), actor(r), req)
	})
	if err != nil {
		respondError(w, r, "create_dispute", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"dispute_id": d.ID,
		"status":     d.Status,
		"dispute":    d,
	})
}

func (h *Handlers) GetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetDispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "get_dispute", err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *Handlers) InvestigateDispute(w http.ResponseWriter, r *http.Request) {
	d, err := withRetry(r.Context(), h.maxRetries, func() (model.Dispute, error) {
		return h.svc.InvestigateDispute(r.Context(), chi.URLParam(r, "id"), actor(r))
	})
	if err != nil {
		respondError(w, r, "investigate_dispute", err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// POST /v1/disputes/{id}/resolve
func (h *Handlers) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req service.ResolveInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "resolve_dispute", err)
		return
	}
	res, err := withRetry(r.Context(), h.maxRetries, func() (service.ResolveResult, error) {
		return h.svc.ResolveDispute(r.Context(), chi.URLParam(r, "id"), actor(r), req)
	})
	if err != nil {
		respondError(w, r, "resolve_dispute", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) DismissDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "dismiss_dispute", err)
		return
	}
	d, err := withRetry(r.Context(), h.maxRetries, func() (model.Dispute, error) {
		return h.svc.DismissDispute(r.Context(), chi.URLParam(r, "id"), actor(r), req.Resolution)
	})
	if err != nil {
		respondError(w, r, "dismiss_dispute", err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// GetWallet returns a user wallet to its owner, admins and internal
// services. Team wallets (?owner_type=team) are visible to admins and
// internal services only.
// GET /v1/wallets/{owner}
func (h *Handlers) GetWallet(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	ownerType := model.PartyUser
	switch r.URL.Query().Get("owner_type") {
	case "", string(model.PartyUser):
	case string(model.PartyTeam):
		ownerType = model.PartyTeam
	default:
		respondError(w, r, "get_wallet", service.ErrInvalidInput.Withf("owner_type must be user or team"))
		return
	}

	a := actor(r)
	privileged := a.IsAdmin() || a.Role == service.RoleService
	if !privileged && (ownerType != model.PartyUser || a.ID != owner) {
		respondError(w, r, "get_wallet", service.ErrUnauthorized.Withf("wallet %s belongs to another owner", owner))
		return
	}
	wallet, err := h.svc.GetWallet(r.Context(), ownerType, owner)
	if err != nil {
		respondError(w, r, "get_wallet", err)
		return
	}
	respondJSON(w, http.StatusOK, wallet)
}

// CreateContract is called by the bid service once a bid is accepted.
// POST /internal/v1/contracts
func (h *Handlers) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req service.CreateContractInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, "create_contract", err)
		return
	}
	res, err := h.svc.CreateContract(r.Context(), actor(r), req)
	if err != nil {
		respondError(w, r, "create_contract", err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// PUT /internal/v1/teams/{id}
func (h *Handlers) UpsertTeam(w http.ResponseWriter, r *http.Request) {
	var team model.Team
	if err := decodeJSON(r, &team); err != nil {
		respondError(w, r, "upsert_team", err)
		return
	}
	team.ID = chi.URLParam(r, "id")
	res, err := h.svc.UpsertTeam(r.Context(), actor(r), team)
	if err != nil {
		respondError(w, r, "upsert_team", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
