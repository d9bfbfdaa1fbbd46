/*
server.go - HTTP surface of the simulated backend

PURPOSE:
  Serves the REST API and the push channel that the synchronization engine
  consumes. Everything rides the {success, data} envelope and speaks the
  same wire shapes the engine's backend client decodes.

ROUTER: chi
  Same middleware stack as any of our services: Logger, Recoverer,
  RequestID, CORS.

ENDPOINTS:
  GET  /api/streams        List the demo user's streams
  GET  /api/balance        Aggregate balance across tokens
  POST /api/withdraw       Execute a withdrawal (idempotency-keyed)
  POST /api/auth/refresh   Rotate the bearer token
  GET  /api/ws             Push channel (token via query parameter)

AUTH:
  Single demo user, single rotating bearer token. The token can be expired
  on demand (POST /api/auth/expire) to exercise the client's 401
  refresh-and-retry path.

SEE ALSO:
  - store.go: Persistence
  - feed.go: Push feed
  - cmd/simserver/main.go: Startup
*/
package sim

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/warp/stream-engine/backend"
	"github.com/warp/stream-engine/stream"
)

// Envelope is the wrapper every REST response rides in.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Server is the simulated backend: REST API plus push feed.
type Server struct {
	Store  *Store
	Feed   *Feed
	Logger *log.Logger

	mu           sync.Mutex
	token        string
	refreshToken string
	now          func() time.Time
}

// NewServer wires the simulator around a store.
func NewServer(store *Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		Store:        store,
		Logger:       logger,
		token:        uuid.NewString(),
		refreshToken: uuid.NewString(),
		now:          time.Now,
	}
	s.Feed = NewFeed(store, logger)
	return s
}

// SetCredentials overrides the generated tokens, for scriptable demos.
func (s *Server) SetCredentials(token, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != "" {
		s.token = token
	}
	if refresh != "" {
		s.refreshToken = refresh
	}
}

// Credentials returns the current bearer and refresh tokens, for handing to
// a client at startup.
func (s *Server) Credentials() (token, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.refreshToken
}

// ExpireToken invalidates the current bearer token, forcing clients through
// the refresh path.
func (s *Server) ExpireToken() {
	s.mu.Lock()
	s.token = uuid.NewString()
	s.mu.Unlock()
}

func (s *Server) validToken(tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tok != "" && tok == s.token
}

// Router builds the chi router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/ledger", s.LedgerRoutes)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/expire", s.handleExpire)
		r.Get("/ws", s.handleWS)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/streams", s.handleListStreams)
			r.Get("/balance", s.handleBalance)
			r.Post("/withdraw", s.handleWithdraw)
		})
	})

	return r
}

// requireAuth checks the bearer token. 401s feed the client's
// refresh-and-retry path.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if !s.validToken(tok) {
			writeEnvelopeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// =============================================================================
// STREAM HANDLERS
// =============================================================================

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	records, err := s.Store.ListStreams(r.Context(), now)
	if err != nil {
		writeEnvelopeError(w, http.StatusInternalServerError, "failed to list streams")
		s.Logger.Printf("[Sim] List streams failed: %v", err)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.Status) == status {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	page, limit := 1, 100
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	total := len(records)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	dtos := make([]backend.StreamDTO, 0, end-start)
	for _, rec := range records[start:end] {
		dtos = append(dtos, toStreamDTO(rec))
	}

	writeEnvelope(w, http.StatusOK, backend.StreamListDTO{
		Streams: dtos,
		Total:   total,
		Page:    page,
		Limit:   limit,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	records, err := s.Store.ListStreams(r.Context(), s.now())
	if err != nil {
		writeEnvelopeError(w, http.StatusInternalServerError, "failed to compute balance")
		s.Logger.Printf("[Sim] Balance failed: %v", err)
		return
	}
	writeEnvelope(w, http.StatusOK, toBalanceDTO(stream.DeriveBalance(records)))
}

// =============================================================================
// WITHDRAWAL HANDLER
// =============================================================================

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req backend.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelopeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StreamID == "" {
		writeEnvelopeError(w, http.StatusBadRequest, "streamId is required")
		return
	}

	now := s.now()
	ctx := r.Context()

	// A replayed idempotency key returns the original settlement before any
	// precondition runs: the first call already moved the funds, so the
	// stream's current state (claimable drained, quota burned) must not
	// reject the replay.
	prior, err := s.Store.FindWithdrawal(ctx, req.IdempotencyKey)
	if err != nil {
		writeEnvelopeError(w, http.StatusInternalServerError, "withdrawal lookup failed")
		s.Logger.Printf("[Sim] Idempotency lookup for %s failed: %v", req.StreamID, err)
		return
	}
	if prior != nil {
		writeEnvelope(w, http.StatusOK, backend.WithdrawResultDTO{
			TransactionID: prior.ID,
			TxHash:        prior.TxHash,
			Status:        "settled",
		})
		return
	}

	rec, err := s.Store.GetStream(ctx, req.StreamID, now)
	if err != nil {
		writeEnvelopeError(w, http.StatusInternalServerError, "failed to load stream")
		return
	}
	if rec == nil {
		writeEnvelopeError(w, http.StatusNotFound, "stream not found")
		return
	}
	if rec.Status != stream.StatusActive {
		writeEnvelopeError(w, http.StatusConflict, "stream is not active")
		return
	}
	if !rec.Limits.CanWithdraw {
		writeEnvelopeError(w, http.StatusConflict, "daily withdrawal limit reached")
		return
	}

	claimable := rec.Calc.ClaimableAmount
	if !claimable.IsPositive() {
		writeEnvelopeError(w, http.StatusConflict, "nothing to withdraw")
		return
	}

	// The client sends the amount it saw; the server settles at most the
	// claimable amount it computed itself.
	amount := claimable
	if req.Amount != "" {
		if requested, err := stream.ParseAmount(req.Amount); err == nil && requested.IsPositive() {
			amount = requested.Min(claimable)
		}
	}

	txHash := "0x" + uuid.NewString()
	id, err := s.Store.RecordWithdrawal(ctx, req.StreamID, amount.String(), txHash, req.IdempotencyKey, now)
	if err != nil {
		writeEnvelopeError(w, http.StatusInternalServerError, "withdrawal failed")
		s.Logger.Printf("[Sim] Withdrawal for %s failed: %v", req.StreamID, err)
		return
	}

	s.Logger.Printf("[Sim] Withdrew %s from %s (tx %s)", amount, req.StreamID, id)
	s.Feed.PushStreamUpdate(ctx, req.StreamID)
	s.Feed.PushNotification(Notification{
		Type:     "WITHDRAWAL_SETTLED",
		StreamID: req.StreamID,
		Message:  "Withdrawal of " + amount.String() + " settled",
	})

	writeEnvelope(w, http.StatusOK, backend.WithdrawResultDTO{
		TransactionID: id,
		TxHash:        txHash,
		Status:        "settled",
	})
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req backend.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelopeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	if req.RefreshToken != s.refreshToken {
		s.mu.Unlock()
		writeEnvelopeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	s.token = uuid.NewString()
	resp := backend.RefreshResponse{Token: s.token, RefreshToken: s.refreshToken}
	s.mu.Unlock()

	writeEnvelope(w, http.StatusOK, resp)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	s.ExpireToken()
	writeEnvelope(w, http.StatusOK, map[string]string{"status": "expired"})
}

// =============================================================================
// PUSH CHANNEL
// =============================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.validToken(r.URL.Query().Get("token")) {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	s.Feed.Subscribe(w, r)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeEnvelope(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{Success: true, Data: data})
}

func writeEnvelopeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{Success: false, Error: msg})
}
