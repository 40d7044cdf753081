// Package httpapi exposes the escrow service over HTTP: token deploys,
// activity lifecycle operations, the event feed and the usual health and
// metrics endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"clubfund.org/internal/audit"
	"clubfund.org/internal/authn"
	"clubfund.org/internal/escrow"
	"clubfund.org/internal/factory"
	"clubfund.org/internal/obs"
	"clubfund.org/internal/stream"
)

// ReadyProbe checks readiness (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// DeploymentArchiver persists factory records. Optional.
type DeploymentArchiver interface {
	SaveDeployment(ctx context.Context, rec factory.Record) error
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	factory *factory.Factory
	escrow  *escrow.Manager
	bus     *stream.Bus
	auth    *authn.Service
	archive DeploymentArchiver

	rateBurst  int
	ratePerSec int
}

// New wires the routes. auth may be nil, in which case the privileged
// endpoints reject every request.
func New(rp ReadyProbe, version string, f *factory.Factory, m *escrow.Manager, bus *stream.Bus, auth *authn.Service, archive DeploymentArchiver) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		factory:    f,
		escrow:     m,
		bus:        bus,
		auth:       auth,
		archive:    archive,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// factory
	a.mux.HandleFunc("/v1/tokens", a.handleTokensCollection)
	a.mux.HandleFunc("/v1/tokens/", a.handleTokenResource)

	// escrow
	a.mux.HandleFunc("/v1/activities", a.handleActivitiesCollection)
	a.mux.HandleFunc("/v1/activities/", a.handleActivityResource)

	// event feed
	a.mux.HandleFunc("/v1/events", a.handleEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = RequestID(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "clubfund-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "clubfund-api",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"version":     a.version,
		"treasury":    a.escrow.Treasury().String(),
		"distributor": a.escrow.Distributor().String(),
	})
}

// --- authn ---

var errMissingBearer = errors.New("missing bearer token")

// requireRole authenticates the request and checks the principal's role.
func (a *API) requireRole(r *http.Request, role string) (authn.Principal, error) {
	if a.auth == nil {
		return authn.Principal{}, authn.ErrInvalidToken
	}
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" || !strings.HasPrefix(raw, "Bearer ") {
		return authn.Principal{}, errMissingBearer
	}
	p, err := a.auth.Verify(strings.TrimPrefix(raw, "Bearer "))
	if err != nil {
		return authn.Principal{}, err
	}
	if p.Role != role && p.Role != authn.RoleAdmin {
		return authn.Principal{}, escrow.ErrNotAuthorized
	}
	return p, nil
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}
