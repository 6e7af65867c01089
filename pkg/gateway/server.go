package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients are native apps
	},
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server exposes the websocket endpoint and the operational HTTP routes.
type Server struct {
	hub     *Hub
	handler *Handler
	signer  *auth.Signer
	checks  map[string]Pinger
	logger  zerolog.Logger
}

func NewServer(hub *Hub, handler *Handler, signer *auth.Signer, checks map[string]Pinger, logger zerolog.Logger) *Server {
	return &Server{
		hub:     hub,
		handler: handler,
		signer:  signer,
		checks:  checks,
		logger:  logger.With().Str("component", "server").Logger(),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.Health)
	r.Get("/ws", s.ServeWS)
	r.Get("/rooms/{id}/presence", s.RoomPresence)

	return r
}

// requestLogger logs every request once it completes.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	if token == "" {
		// browsers cannot set headers on a websocket handshake
		token = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(token, "Bearer ")
}

// ServeWS authenticates the handshake and upgrades it to a websocket.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := s.signer.Validate(token)
	if err != nil {
		s.logger.Debug().Err(err).Msg("rejected websocket handshake")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(s.hub, conn, claims.UserID)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.handler)
}

type check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Checks    map[string]check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health pings every dependency.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]check, len(s.checks))
	healthy := true
	for name, p := range s.checks {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			checks[name] = check{Status: "fail", Message: "connection failed"}
			healthy = false
			continue
		}
		checks[name] = check{Status: "pass", Latency: time.Since(start).String()}
	}

	resp := healthResponse{
		Status:    "healthy",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type presenceResponse struct {
	RoomID int64   `json:"roomId"`
	Online []int64 `json:"online"`
}

// RoomPresence lists the members of a room connected to this gateway.
func (s *Server) RoomPresence(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || roomID <= 0 {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	members, err := s.handler.Members.Get(r.Context(), roomID)
	if err != nil {
		s.logger.Error().Err(err).Int64("room_id", roomID).Msg("failed to fetch members")
		http.Error(w, "failed to fetch presence", http.StatusInternalServerError)
		return
	}

	online := make([]int64, 0, len(members))
	for _, id := range members {
		if s.handler.Presence.Online(id) {
			online = append(online, id)
		}
	}
	writeJSON(w, http.StatusOK, presenceResponse{RoomID: roomID, Online: online})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
