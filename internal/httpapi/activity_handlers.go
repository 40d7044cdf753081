package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/authn"
	"clubfund.org/internal/permit"
)

type createActivityRequest struct {
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`

	// Optional initial deposit: either depositor+amount with a prior
	// allowance, or a signed permit.
	Depositor string         `json:"depositor,omitempty"`
	Amount    uint64         `json:"amount,omitempty"`
	Permit    *permit.Permit `json:"permit,omitempty"`
}

type depositRequest struct {
	Depositor string `json:"depositor"`
	Amount    uint64 `json:"amount"`
}

type depositPermitRequest struct {
	Token  string        `json:"token"`
	Permit permit.Permit `json:"permit"`
}

type distributeRequest struct {
	Amount uint64 `json:"amount"`
}

func (a *API) handleActivitiesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createActivity(w, r)
	case http.MethodGet:
		a.activityStats(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleActivityResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/activities/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	idPart, action, _ := strings.Cut(path, "/")
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil || id == 0 {
		writeError(w, r, http.StatusNotFound, "activity not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getActivity(w, r, id)
	case "uri":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.activityURI(w, r, id)
	case "deposit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deposit(w, r, id)
	case "deposit-permit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.depositWithPermit(w, r, id)
	case "distribute":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.distribute(w, r, id)
	case "refund":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.refund(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createActivity(w http.ResponseWriter, r *http.Request) {
	var req createActivityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := addr.Parse(req.Owner)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid owner address")
		return
	}
	tokenAddr, err := addr.Parse(req.Token)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid token address")
		return
	}

	ctx := r.Context()
	var id uint64
	switch {
	case req.Permit != nil:
		id, err = a.escrow.CreateAndDepositWithPermit(ctx, owner, req.StartTime, req.EndTime, tokenAddr, *req.Permit)
	case req.Amount > 0:
		var depositor addr.Address
		depositor, err = addr.Parse(req.Depositor)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid depositor address")
			return
		}
		id, err = a.escrow.CreateAndDeposit(ctx, owner, req.StartTime, req.EndTime, tokenAddr, depositor, req.Amount)
	default:
		id, err = a.escrow.Create(ctx, owner, tokenAddr, req.StartTime, req.EndTime)
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.audit(ctx, "escrow.create", map[string]any{
		"activity_id": id,
		"owner":       owner.String(),
		"token":       tokenAddr.String(),
	})

	act, err := a.escrow.GetActivity(id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/activities/"+strconv.FormatUint(id, 10))
	writeJSON(w, http.StatusCreated, act)
}

func (a *API) activityStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"total_supply": a.escrow.TotalSupply(),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("owner")); raw != "" {
		owner, err := addr.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid owner address")
			return
		}
		resp["owner"] = owner.String()
		resp["owner_balance"] = a.escrow.BalanceOf(owner)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getActivity(w http.ResponseWriter, r *http.Request, id uint64) {
	act, err := a.escrow.GetActivity(id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (a *API) activityURI(w http.ResponseWriter, r *http.Request, id uint64) {
	uri, err := a.escrow.TokenURI(id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":  id,
		"uri": uri,
	})
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request, id uint64) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	depositor, err := addr.Parse(req.Depositor)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid depositor address")
		return
	}

	total, err := a.escrow.Deposit(r.Context(), id, depositor, req.Amount)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.audit(r.Context(), "escrow.deposit", map[string]any{
		"activity_id": id,
		"amount":      req.Amount,
		"total":       total,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"activity_id":  id,
		"amount":       req.Amount,
		"total_amount": total,
	})
}

func (a *API) depositWithPermit(w http.ResponseWriter, r *http.Request, id uint64) {
	var req depositPermitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tokenAddr, err := addr.Parse(req.Token)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid token address")
		return
	}

	total, err := a.escrow.DepositWithPermit(r.Context(), id, tokenAddr, req.Permit)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.audit(r.Context(), "escrow.deposit_permit", map[string]any{
		"activity_id": id,
		"amount":      req.Permit.Amount,
		"total":       total,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"activity_id":  id,
		"amount":       req.Permit.Amount,
		"total_amount": total,
	})
}

func (a *API) distribute(w http.ResponseWriter, r *http.Request, id uint64) {
	p, err := a.requireRole(r, authn.RoleDistributor)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	caller, err := addr.Parse(p.Address)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "principal has no ledger address")
		return
	}
	ctx := authn.ContextWithPrincipal(r.Context(), p)

	var req distributeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	fee, dist, refunded, err := a.escrow.Distribute(ctx, caller, id, req.Amount)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.audit(ctx, "escrow.distribute", map[string]any{
		"activity_id":        id,
		"amount":             req.Amount,
		"fee_amount":         fee,
		"distributed_amount": dist,
		"refunded_amount":    refunded,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"activity_id":        id,
		"fee_amount":         fee,
		"distributed_amount": dist,
		"refunded_amount":    refunded,
	})
}

func (a *API) refund(w http.ResponseWriter, r *http.Request, id uint64) {
	refunded, err := a.escrow.Refund(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.audit(r.Context(), "escrow.refund", map[string]any{
		"activity_id":     id,
		"refunded_amount": refunded,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"activity_id":     id,
		"refunded_amount": refunded,
	})
}
