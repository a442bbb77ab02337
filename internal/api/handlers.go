package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/ScriptPipe/internal/flow"
	"github.com/BTreeMap/ScriptPipe/internal/models"
	"github.com/BTreeMap/ScriptPipe/internal/webhook"
)

// verifyHandler answers the webhook verification handshake.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")
	if mode == "" || token == "" || challenge == "" {
		slog.Warn("Server.verifyHandler: missing verification parameters")
		writeJSONResponse(w, r, http.StatusBadRequest, models.Error("missing hub.mode, hub.verify_token or hub.challenge"))
		return
	}
	if mode != "subscribe" || s.opts.VerifyToken == "" || token != s.opts.VerifyToken {
		slog.Warn("Server.verifyHandler: verification refused", "mode", mode)
		writeJSONResponse(w, r, http.StatusForbidden, models.Error("verification failed"))
		return
	}
	slog.Info("Server.verifyHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, challenge); err != nil {
		slog.Error("Server.verifyHandler: failed to write challenge", "error", err)
	}
}

// webhookHandler receives a webhook notification and handles its event.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, r, http.StatusBadRequest, models.Error("failed to read request body"))
		return
	}

	if s.opts.AppSecret != "" {
		if err := webhook.VerifySignature(body, r.Header.Get(webhook.SignatureHeader), s.opts.AppSecret); err != nil {
			slog.Warn("Server.webhookHandler: signature rejected", "request_id", RequestIDFrom(r.Context()), "error", err)
			writeJSONResponse(w, r, http.StatusUnauthorized, models.Error(err.Error()))
			return
		}
	}

	ev, err := webhook.Classify(body)
	if err != nil {
		slog.Warn("Server.webhookHandler: unclassifiable payload", "request_id", RequestIDFrom(r.Context()), "error", err)
		writeJSONResponse(w, r, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	outcome, err := s.HandleEvent(r.Context(), ev)
	status, resp := outcomeResponse(outcome, ev.ID, err)
	writeJSONResponse(w, r, status, resp)
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, r, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// userSummary is one row of GET /users.
type userSummary struct {
	ExternalID   string    `json:"external_id"`
	DisplayName  string    `json:"display_name,omitempty"`
	CurrentStep  string    `json:"current_step"`
	ProgressKeys []string  `json:"progress_keys"`
	Completed    []string  `json:"completed"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func summarize(u *models.User) userSummary {
	sum := userSummary{
		ExternalID:   u.ExternalID,
		DisplayName:  u.DisplayName,
		CurrentStep:  u.CurrentStep,
		ProgressKeys: u.ProgressKeys(),
		Completed:    []string{},
		UpdatedAt:    u.UpdatedAt,
	}
	for _, k := range sum.ProgressKeys {
		if u.IsDone(k) {
			sum.Completed = append(sum.Completed, k)
		}
	}
	return sum
}

func (s *Server) listUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.st.ListUsers(r.Context())
	if err != nil {
		slog.Error("Server.listUsersHandler: failed to list users", "error", err)
		writeJSONResponse(w, r, http.StatusInternalServerError, models.Error("failed to list users"))
		return
	}
	out := make([]userSummary, 0, len(users))
	for i := range users {
		out = append(out, summarize(&users[i]))
	}
	writeJSONResponse(w, r, http.StatusOK, models.Success(out))
}

// repositionRequest is the body of POST /users/{id}/step.
type repositionRequest struct {
	Step string `json:"step"`
}

// repositionHandler moves a user to another step, typically one parked on a
// step the current course no longer registers.
func (s *Server) repositionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req repositionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxWebhookBody)).Decode(&req); err != nil || req.Step == "" {
		writeJSONResponse(w, r, http.StatusBadRequest, models.Error("body must be a JSON object with a non-empty step"))
		return
	}

	err := s.opts.Repositioner.Reposition(r.Context(), id, req.Step)
	switch {
	case errors.Is(err, flow.ErrUnknownUser):
		writeJSONResponse(w, r, http.StatusNotFound, models.Error("user not found"))
		return
	case errors.Is(err, flow.ErrUnresolvedStep):
		writeJSONResponse(w, r, http.StatusBadRequest, models.Error(err.Error()))
		return
	case err != nil:
		slog.Error("Server.repositionHandler: failed to reposition user", "external_id", id, "step", req.Step, "error", err)
		writeJSONResponse(w, r, http.StatusInternalServerError, models.Error("failed to reposition user"))
		return
	}

	u, err := s.st.GetUser(r.Context(), id)
	if err != nil || u == nil {
		slog.Error("Server.repositionHandler: failed to reload user", "external_id", id, "error", err)
		writeJSONResponse(w, r, http.StatusInternalServerError, models.Error("failed to load user"))
		return
	}
	slog.Info("Server.repositionHandler: user repositioned", "external_id", id, "step", req.Step, "request_id", RequestIDFrom(r.Context()))
	writeJSONResponse(w, r, http.StatusOK, models.Success(summarize(u)))
}

func (s *Server) userHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := s.st.GetUser(r.Context(), id)
	if err != nil {
		slog.Error("Server.userHandler: failed to load user", "external_id", id, "error", err)
		writeJSONResponse(w, r, http.StatusInternalServerError, models.Error("failed to load user"))
		return
	}
	if u == nil {
		writeJSONResponse(w, r, http.StatusNotFound, models.Error("user not found"))
		return
	}
	writeJSONResponse(w, r, http.StatusOK, models.Success(u))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, r, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	records, err := s.st.ListConversations(r.Context(), id, limit)
	if err != nil {
		slog.Error("Server.historyHandler: failed to list history", "external_id", id, "error", err)
		writeJSONResponse(w, r, http.StatusInternalServerError, models.Error("failed to list history"))
		return
	}
	if records == nil {
		records = []models.ConversationRecord{}
	}
	writeJSONResponse(w, r, http.StatusOK, models.Success(records))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts(r.Context())
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to get receipts", "error", err)
		writeJSONResponse(w, r, http.StatusInternalServerError, models.Error("failed to get receipts"))
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	writeJSONResponse(w, r, http.StatusOK, models.Success(receipts))
}
