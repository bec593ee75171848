package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/milepool/milepool/pkg/attest"
	"github.com/milepool/milepool/pkg/identity"
	"github.com/milepool/milepool/pkg/journal"
	"github.com/milepool/milepool/pkg/mirror"
	"github.com/milepool/milepool/pkg/stake"
)

// Server exposes the oracle and the display mirror over HTTP.
type Server struct {
	oracle    *attest.Oracle
	ledger    *stake.Ledger
	store     mirror.Store
	projector *mirror.Projector
	journal   *journal.Journal
	validator *JWTValidator
	limiter   *GlobalRateLimiter
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimiter overrides the default per-IP limiter.
func WithRateLimiter(rl *GlobalRateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func NewServer(oracle *attest.Oracle, ledger *stake.Ledger, store mirror.Store, projector *mirror.Projector, jrnl *journal.Journal, validator *JWTValidator, opts ...ServerOption) *Server {
	s := &Server{
		oracle:    oracle,
		ledger:    ledger,
		store:     store,
		projector: projector,
		journal:   jrnl,
		validator: validator,
		limiter:   NewGlobalRateLimiter(10, 20),
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed, rate-limited handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/challenges", s.handleListChallenges)
	mux.HandleFunc("GET /api/v1/challenges/{id}", s.handleChallenge)
	mux.HandleFunc("GET /api/v1/challenges/{id}/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/v1/challenges/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/challenges/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /api/v1/challenges/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/v1/challenges/{id}/finalize", s.handleFinalize)

	mux.Handle("GET /api/v1/admin/journal", RequireAdmin(s.validator, http.HandlerFunc(s.handleJournal)))
	mux.Handle("POST /api/v1/admin/rebuild-mirror", RequireAdmin(s.validator, http.HandlerFunc(s.handleRebuildMirror)))
	mux.Handle("POST /api/v1/admin/rotate-attester", RequireAdmin(s.validator, http.HandlerFunc(s.handleRotateAttester)))

	return RequestIDMiddleware(s.limiter.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"attester": s.oracle.AttesterAddress().Hex(),
		"time":     time.Now().UTC(),
	})
}

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := s.store.Challenges(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenges": rows})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	row, err := s.store.Challenge(r.Context(), id)
	if errors.Is(err, mirror.ErrNotFound) {
		WriteNotFound(w, "challenge not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	parts, err := s.store.Participants(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenge": row, "participants": parts})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	board, err := s.store.Leaderboard(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenge_id": id, "leaderboard": board})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := s.oracle.Status(id)
	if errors.Is(err, attest.ErrChallengeUnknown) {
		WriteNotFound(w, "challenge not tracked")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type joinRequest struct {
	Address       string `json:"address"`
	CorrelationID string `json:"correlation_id"`
	Stake         int64  `json:"stake"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	addr, err := identity.ParseAddress(req.Address)
	if err != nil {
		WriteBadRequest(w, "invalid address")
		return
	}

	switch err := s.ledger.Join(id, addr, req.CorrelationID, stake.Amount(req.Stake)); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"joined": true})
	case errors.Is(err, stake.ErrChallengeNotFound):
		WriteNotFound(w, "challenge not found")
	case errors.Is(err, stake.ErrAlreadyJoined):
		WriteConflict(w, "identity already joined")
	case errors.Is(err, stake.ErrNotEligible),
		errors.Is(err, stake.ErrWrongStakeAmount),
		errors.Is(err, stake.ErrInvalidCorrelationID):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, stake.ErrNotAcceptingParticipants),
		errors.Is(err, stake.ErrRegistrationClosed):
		WriteConflict(w, "challenge is not accepting participants")
	default:
		WriteInternal(w, err)
	}
}

type confirmRequest struct {
	Participant string `json:"participant"`
	Signature   string `json:"signature"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	addr, err := identity.ParseAddress(req.Participant)
	if err != nil {
		WriteBadRequest(w, "invalid participant address")
		return
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		WriteBadRequest(w, "signature must be hex encoded")
		return
	}

	switch err := s.oracle.Confirm(id, addr, sig); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"confirmed": true})
	case errors.Is(err, attest.ErrChallengeUnknown):
		WriteNotFound(w, "challenge not tracked")
	case errors.Is(err, attest.ErrConfirmTooEarly):
		WriteConflict(w, "confirmations open at challenge end")
	case errors.Is(err, attest.ErrUnknownParticipant):
		WriteBadRequest(w, "signer is not a joined participant")
	case errors.Is(err, attest.ErrBadSignature):
		WriteUnauthorized(w, "confirmation signature does not verify")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	att, notReady, err := s.oracle.Finalize(r.Context(), id)
	switch {
	case err == nil && notReady != nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"ready": false, "not_ready": notReady})
		return
	case errors.Is(err, attest.ErrChallengeUnknown):
		WriteNotFound(w, "challenge not tracked")
		return
	case errors.Is(err, attest.ErrNotSettleable):
		WriteConflict(w, "challenge not awaiting settlement")
		return
	case attest.Retryable(err):
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "mileage source unavailable, retry later")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	// Submit the attestation to the ledger on the winner's behalf.
	if err := s.ledger.ClaimWithAttestation(id, att.Winner, *att); err != nil {
		if errors.Is(err, stake.ErrChallengeTerminal) || errors.Is(err, stake.ErrNotInGracePeriod) {
			WriteConflict(w, "challenge already settled")
			return
		}
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ready":       true,
		"attestation": attestationJSON(att),
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, _ *http.Request) {
	ok, reason := s.journal.Verify()
	writeJSON(w, http.StatusOK, map[string]any{
		"length":  s.journal.Length(),
		"head":    s.journal.Head(),
		"valid":   ok,
		"reason":  reason,
		"entries": s.journal.Entries(),
	})
}

func (s *Server) handleRebuildMirror(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.projector.Rebuild(ctx); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rebuilt": true})
}

type rotateRequest struct {
	Caller string `json:"caller"`
	NewKey string `json:"new_key"`
}

func (s *Server) handleRotateAttester(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	caller, err := identity.ParseAddress(req.Caller)
	if err != nil {
		WriteBadRequest(w, "invalid caller address")
		return
	}
	newKey, err := identity.ParseAddress(req.NewKey)
	if err != nil {
		WriteBadRequest(w, "invalid new key address")
		return
	}
	if err := s.ledger.UpdateAttesterKey(caller, newKey); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	addr, version := s.ledger.Attester()
	writeJSON(w, http.StatusOK, map[string]any{"attester": addr.Hex(), "version": version})
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		WriteBadRequest(w, "challenge id must be a positive integer")
		return 0, false
	}
	return id, true
}

func attestationJSON(att *stake.Attestation) map[string]any {
	return map[string]any{
		"challenge_id": att.ChallengeID,
		"winner":       att.Winner.Hex(),
		"result_hash":  hex.EncodeToString(att.ResultHash),
		"signed_at":    att.SignedAt.UTC(),
		"signature":    hex.EncodeToString(att.Signature),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
