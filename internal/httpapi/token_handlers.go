package httpapi

import (
	"net/http"
	"strings"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/authn"
	"clubfund.org/internal/obs"
)

type deployTokenRequest struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

func (a *API) handleTokensCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.deployToken(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleTokenResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/v1/tokens/")
	raw = strings.TrimSuffix(raw, "/")
	owner, err := addr.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid owner address")
		return
	}

	resp := map[string]any{
		"owner":   owner.String(),
		"address": a.factory.AddressFor(owner).String(),
	}
	if rec, ok := a.factory.RecordFor(owner); ok {
		resp["deployed"] = true
		resp["name"] = rec.Name
		resp["symbol"] = rec.Symbol
	} else {
		resp["deployed"] = false
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) deployToken(w http.ResponseWriter, r *http.Request) {
	p, err := a.requireRole(r, authn.RoleAdmin)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	ctx := authn.ContextWithPrincipal(r.Context(), p)

	var req deployTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := addr.Parse(req.Owner)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid owner address")
		return
	}
	name := strings.TrimSpace(req.Name)
	symbol := strings.TrimSpace(req.Symbol)
	if name == "" || symbol == "" {
		writeError(w, r, http.StatusBadRequest, "name and symbol are required")
		return
	}
	if len(symbol) > 11 {
		writeError(w, r, http.StatusBadRequest, "symbol too long")
		return
	}

	tokenAddr, err := a.factory.Deploy(ctx, owner, name, symbol)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	if a.archive != nil {
		if rec, ok := a.factory.RecordFor(owner); ok {
			if err := a.archive.SaveDeployment(ctx, rec); err != nil {
				obs.LogRequest(map[string]any{
					"level": "error",
					"msg":   "archive deployment failed",
					"owner": owner.String(),
					"error": err.Error(),
				})
			}
		}
	}

	a.audit(ctx, "factory.deploy", map[string]any{
		"owner": owner.String(),
		"token": tokenAddr.String(),
	})

	w.Header().Set("Location", "/v1/tokens/"+owner.String())
	writeJSON(w, http.StatusCreated, map[string]any{
		"owner": owner.String(),
		"token": tokenAddr.String(),
	})
}
