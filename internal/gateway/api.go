// ABOUTME: HTTP API handlers for threads, messages, participants, and agents
// ABOUTME: JSON request/response types and error mapping for the REST surface

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cyberiad/cyberiad/internal/auth"
	"github.com/cyberiad/cyberiad/internal/session"
	"github.com/cyberiad/cyberiad/internal/store"
)

// CreateThreadRequest is the JSON request body for POST /api/threads.
type CreateThreadRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	AgentTypes  []string `json:"agent_types,omitempty"`
	AutoRespond bool     `json:"auto_respond,omitempty"`
}

// ThreadResponse is the JSON shape of a thread.
type ThreadResponse struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	OwnerID     string   `json:"owner_id"`
	Status      string   `json:"status"`
	AutoRespond bool     `json:"auto_respond"`
	AgentTypes  []string `json:"agent_types,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// PostMessageRequest is the JSON request body for POST /api/threads/{id}/messages.
type PostMessageRequest struct {
	Content           string   `json:"content"`
	ParentID          *string  `json:"parent_id,omitempty"`
	ClientGeneratedID string   `json:"client_generated_id,omitempty"`
	RequestedAgents   []string `json:"requested_agents,omitempty"`
}

// MessageResponse is the JSON shape of one persisted message.
type MessageResponse struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	Seq       int64             `json:"seq"`
	UserID    *string           `json:"user_id,omitempty"`
	AgentID   *string           `json:"agent_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ParentID  *string           `json:"parent_id,omitempty"`
	CreatedAt string            `json:"created_at"`
	EditedAt  *string           `json:"edited_at,omitempty"`
	Deleted   bool              `json:"deleted,omitempty"`
}

// ListMessagesResponse is the JSON response for GET /api/threads/{id}/messages.
type ListMessagesResponse struct {
	ThreadID string            `json:"thread_id"`
	Messages []MessageResponse `json:"messages"`
}

// UpdateStatusRequest changes a thread's lifecycle state.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// AddParticipantRequest invites a user into a thread.
type AddParticipantRequest struct {
	UserID string `json:"user_id"`
}

// BindAgentRequest binds an agent type to a thread.
type BindAgentRequest struct {
	AgentType string            `json:"agent_type"`
	Settings  map[string]string `json:"settings,omitempty"`
}

// CreateUserRequest provisions a user (admin only). Registration and
// credential flows live outside this service; users here are reference data.
type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// EditMessageRequest replaces a message body.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// MarkReadRequest advances the caller's read marker.
type MarkReadRequest struct {
	MessageID string `json:"message_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps coordinator and store errors onto HTTP statuses.
func writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyContent),
		errors.Is(err, session.ErrContentTooLong),
		errors.Is(err, store.ErrInvalidParent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotParticipant),
		errors.Is(err, store.ErrAuthorNotBound):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrThreadNotActive),
		errors.Is(err, session.ErrDuplicateSubmission),
		errors.Is(err, store.ErrDuplicateAgent):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrThreadNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func toMessageResponse(m *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Seq:       m.Seq,
		UserID:    m.UserID,
		AgentID:   m.AgentID,
		Content:   m.Content,
		Metadata:  m.Metadata,
		ParentID:  m.ParentID,
		CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		Deleted:   m.Deleted(),
	}
	if resp.Deleted {
		// Tombstones keep their seq but never expose the original body
		resp.Content = ""
		resp.Metadata = nil
	}
	if m.EditedAt != nil {
		edited := m.EditedAt.Format(time.RFC3339Nano)
		resp.EditedAt = &edited
	}
	return resp
}

func (g *Gateway) toThreadResponse(r *http.Request, t *store.Thread) ThreadResponse {
	resp := ThreadResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		OwnerID:     t.OwnerID,
		Status:      string(t.Status),
		AutoRespond: t.Settings.AutoRespond,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if bindings, err := g.store.ListAgentBindings(r.Context(), t.ID, true); err == nil {
		for _, b := range bindings {
			resp.AgentTypes = append(resp.AgentTypes, b.AgentType)
		}
	}
	return resp
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness means the store answers queries
	if _, err := g.store.GetThread(r.Context(), "readiness-probe"); err != nil && !errors.Is(err, store.ErrThreadNotFound) {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req CreateThreadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	for _, agentType := range req.AgentTypes {
		if _, err := g.registry.Get(agentType); err != nil {
			writeError(w, http.StatusBadRequest, "unknown agent type: "+agentType)
			return
		}
	}

	thread := &store.Thread{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		OwnerID:     authCtx.UserID,
		Status:      store.ThreadStatusActive,
		Settings:    store.ThreadSettings{AutoRespond: req.AutoRespond},
	}
	if err := g.store.CreateThread(r.Context(), thread); err != nil {
		writeFlowError(w, err)
		return
	}
	if err := g.store.AddParticipant(r.Context(), thread.ID, authCtx.UserID); err != nil {
		writeFlowError(w, err)
		return
	}
	for _, agentType := range req.AgentTypes {
		binding := &store.AgentBinding{
			ID:        uuid.New().String(),
			ThreadID:  thread.ID,
			AgentType: agentType,
			IsActive:  true,
		}
		if err := g.store.BindAgent(r.Context(), binding); err != nil {
			writeFlowError(w, err)
			return
		}
	}

	created, err := g.store.GetThread(r.Context(), thread.ID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g.toThreadResponse(r, created))
}

func (g *Gateway) handleGetThread(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	threadID := r.PathValue("id")

	if !g.isParticipant(r, threadID, authCtx.UserID) {
		writeError(w, http.StatusForbidden, "not a thread participant")
		return
	}

	thread, err := g.store.GetThread(r.Context(), threadID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.toThreadResponse(r, thread))
}

func (g *Gateway) handleUpdateThreadStatus(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	threadID := r.PathValue("id")

	var req UpdateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	status := store.ThreadStatus(req.Status)
	switch status {
	case store.ThreadStatusActive, store.ThreadStatusArchived, store.ThreadStatusClosed:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if !g.isOwner(w, r, threadID, authCtx.UserID) {
		return
	}

	if err := g.store.UpdateThreadStatus(r.Context(), threadID, status); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (g *Gateway) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	threadID := r.PathValue("id")

	var req AddParticipantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if !g.isOwner(w, r, threadID, authCtx.UserID) {
		return
	}

	if _, err := g.store.GetUser(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err := g.store.AddParticipant(r.Context(), threadID, req.UserID); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "participant added"})
}

func (g *Gateway) handleBindAgent(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	threadID := r.PathValue("id")

	var req BindAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := g.registry.Get(req.AgentType); err != nil {
		writeError(w, http.StatusBadRequest, "unknown agent type: "+req.AgentType)
		return
	}

	if !g.isOwner(w, r, threadID, authCtx.UserID) {
		return
	}

	binding := &store.AgentBinding{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		AgentType: req.AgentType,
		IsActive:  true,
		Settings:  req.Settings,
	}
	if err := g.store.BindAgent(r.Context(), binding); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"binding_id": binding.ID})
}

func (g *Gateway) handleUnbindAgent(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	threadID := r.PathValue("id")
	agentType := r.PathValue("type")

	if !g.isOwner(w, r, threadID, authCtx.UserID) {
		return
	}

	binding, err := g.store.GetAgentBindingByType(r.Context(), threadID, agentType)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if err := g.store.DeactivateAgentBinding(r.Context(), binding.ID); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "agent deactivated"})
}

func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	threadID := r.PathValue("id")

	var req PostMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := g.coordinator.SubmitMessage(r.Context(), &session.SubmitRequest{
		ThreadID:          threadID,
		UserID:            authCtx.UserID,
		Content:           req.Content,
		ParentID:          req.ParentID,
		ClientGeneratedID: req.ClientGeneratedID,
		RequestedAgents:   req.RequestedAgents,
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	threadID := r.PathValue("id")

	if !g.isParticipant(r, threadID, authCtx.UserID) {
		writeError(w, http.StatusForbidden, "not a thread participant")
		return
	}

	var afterSeq int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid after_seq")
			return
		}
		afterSeq = parsed
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	msgs, err := g.store.ListMessagesSince(r.Context(), threadID, afterSeq, limit)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	resp := ListMessagesResponse{ThreadID: threadID, Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req EditMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := g.coordinator.EditMessage(r.Context(), r.PathValue("id"), authCtx.UserID, r.PathValue("msg"), req.Content)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	msg, err := g.coordinator.DeleteMessage(r.Context(), r.PathValue("id"), authCtx.UserID, r.PathValue("msg"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	threadID := r.PathValue("id")

	var req MarkReadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	if err := g.coordinator.MarkRead(r.Context(), threadID, authCtx.UserID, req.MessageID); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "read marker updated"})
}

func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	role := req.Role
	if role == "" {
		role = "user"
	}
	if role != "user" && role != "admin" {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}

	user := &store.User{
		ID:       uuid.New().String(),
		Username: req.Username,
		Email:    req.Email,
		Role:     role,
		IsActive: true,
	}
	if err := g.store.CreateUser(r.Context(), user); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

func (g *Gateway) handleListRoles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"roles": g.registry.Types()})
}

// isParticipant reports active membership without writing a response.
func (g *Gateway) isParticipant(r *http.Request, threadID, userID string) bool {
	p, err := g.store.GetParticipant(r.Context(), threadID, userID)
	return err == nil && p.IsActive
}

// isOwner verifies thread ownership, writing the error response on failure.
func (g *Gateway) isOwner(w http.ResponseWriter, r *http.Request, threadID, userID string) bool {
	thread, err := g.store.GetThread(r.Context(), threadID)
	if err != nil {
		writeFlowError(w, err)
		return false
	}
	if thread.OwnerID != userID {
		writeError(w, http.StatusForbidden, "only the thread owner may do this")
		return false
	}
	return true
}
