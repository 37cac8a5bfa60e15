package teegate

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Gateway accepts websocket upgrades, verifies bearer tokens, and runs one
// Session per connection. The route table is installed at construction and
// read-only afterwards; sessions share nothing else.
type Gateway struct {
	cfg      *Config
	routes   *RouteTable
	verifier *TokenVerifier
	upgrader websocket.Upgrader
}

// NewGateway builds a gateway over the given route table. An attestation
// provider and a token secret are required.
func NewGateway(routes *RouteTable, opts ...Option) (*Gateway, error) {
	cfg := applyOptions(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if routes == nil {
		routes = NewRouteTable()
	}

	checkOrigin := cfg.checkOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Gateway{
		cfg:      cfg,
		routes:   routes,
		verifier: NewTokenVerifier(cfg.secret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     checkOrigin,
		},
	}, nil
}

// Path returns the configured websocket endpoint path.
func (g *Gateway) Path() string { return g.cfg.path }

// ServeHTTP upgrades the request to a websocket and drives the session to
// completion. Invalid or missing tokens reject the upgrade before any bytes
// are exchanged.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth, err := g.verifier.VerifyRequest(r.URL.Query())
	if err != nil {
		g.cfg.log.WithError(err).Warn("rejected upgrade")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.cfg.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	id := uuid.New().String()
	session, err := newSession(conn, g.cfg, g.routes, auth, id)
	if err != nil {
		g.cfg.log.WithField("conn", id).WithError(err).Error("session setup failed")
		_ = conn.Close()
		return
	}
	g.cfg.log.WithField("conn", id).Info("connection accepted")
	session.Run()
}

// Handler returns an http.Handler serving the gateway at its configured
// path, for mounting next to other endpoints.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(g.cfg.path, g)
	return mux
}
