package app

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"questlog/api/internal/auth"
	"questlog/api/internal/realtime"
	"questlog/api/internal/session"
)

type contextKey string

const identityKey contextKey = "identity"

// HTTPServer wires the service into a chi router.
type HTTPServer struct {
	service    *Service
	corsOrigin string
	ws         *realtime.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		ws: realtime.NewHandler(
			service.Resolver(),
			service.Guard(),
			service.Registry(),
			service.Broadcaster(),
		),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Post("/api/auth/signup", s.handleSignUp)
	r.Post("/api/auth/signin", s.handleSignIn)

	// The upgrade handshake authenticates itself via the token query
	// param, so the WebSocket endpoint sits outside the identity gate.
	r.Get("/ws", s.ws.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)

		r.Post("/api/auth/signout", s.handleSignOut)
		r.Post("/api/auth/password", s.handleChangePassword)
		r.Get("/api/me", s.handleMe)

		r.Route("/api/tokens", func(r chi.Router) {
			r.Get("/", s.handleListTokens)
			r.Post("/", s.handleCreateToken)
			r.Delete("/{tokenID}", s.handleDeleteToken)
		})

		r.Route("/api/rooms", func(r chi.Router) {
			r.Get("/", s.handleListRooms)
			r.Post("/", s.handleCreateRoom)
			r.Post("/join", s.handleJoinByCode)
			r.Post("/invites/accept", s.handleAcceptInvite)

			r.Route("/{roomID}", func(r chi.Router) {
				r.Get("/", s.handleGetRoom)
				r.Put("/", s.handleUpdateRoom)
				r.Delete("/", s.handleDeleteRoom)

				r.Get("/members", s.handleListMembers)
				r.Put("/members/{userID}", s.handleUpdateMemberRole)
				r.Delete("/members/{userID}", s.handleRemoveMember)

				r.Post("/invites", s.handleCreateInvite)

				r.Get("/notes", s.handleListNotes)
				r.Post("/notes", s.handlePublishNote)
				r.Get("/notes/{noteID}", s.handleGetNote)
				r.Put("/notes/{noteID}", s.handlePublishNote)
				r.Delete("/notes/{noteID}", s.handleDeleteNote)
				r.Get("/notes/{noteID}/history", s.handleNoteHistory)
				r.Get("/notes/{noteID}/history/{hash}", s.handleNoteAtRevision)

				r.Get("/search", s.handleSearch)
				r.Get("/export", s.handleExport)
			})
		})
	})

	return r
}

// Middleware

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Connection-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := s.service.Resolver().Resolve(r.Context(), r)
		if identity == nil {
			writeError(w, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func identityFrom(r *http.Request) *auth.Identity {
	identity, _ := r.Context().Value(identityKey).(*auth.Identity)
	return identity
}

// requirePermission enforces token permission grants. Session identities
// always pass.
func requirePermission(w http.ResponseWriter, r *http.Request, permission string) *auth.Identity {
	identity := identityFrom(r)
	if !auth.HasPermission(identity, permission) {
		writeError(w, domainError(http.StatusForbidden, "FORBIDDEN", "Token lacks the "+permission+" permission", nil))
		return nil
	}
	return identity
}

func connectionID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Connection-ID"))
}

// Health

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		writeError(w, domainError(http.StatusServiceUnavailable, "NOT_READY", "Database is not reachable", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Auth

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	user, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.service.CreateSession(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(info))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	info, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(info))
}

func sessionResponse(info SessionInfo) map[string]any {
	return map[string]any{
		"token":     info.Token,
		"expiresAt": info.ExpiresAt,
		"user": map[string]string{
			"id":          info.UserID,
			"displayName": info.UserName,
			"email":       info.Email,
		},
	}
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if err := s.service.SignOut(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (s *HTTPServer) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	identity := s.requireSession(w, r)
	if identity == nil {
		return
	}
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.service.ChangePassword(r.Context(), identity, body.CurrentPassword, body.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          identity.UserID,
		"displayName": identity.UserName,
		"email":       identity.Email,
		"authType":    identity.AuthType,
		"permissions": identity.Permissions,
	})
}

// API tokens. Token management is session-only: a stolen API token must
// not be able to mint more tokens.

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) *auth.Identity {
	identity := identityFrom(r)
	if identity.AuthType != auth.AuthTypeSession {
		writeError(w, domainError(http.StatusForbidden, "FORBIDDEN", "Token management requires a session", nil))
		return nil
	}
	return identity
}

func (s *HTTPServer) handleListTokens(w http.ResponseWriter, r *http.Request) {
	identity := s.requireSession(w, r)
	if identity == nil {
		return
	}
	tokens, err := s.service.ListAPITokens(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(tokens))
	for _, token := range tokens {
		items = append(items, map[string]any{
			"id":          token.ID,
			"name":        token.Name,
			"permissions": token.Permissions,
			"expiresAt":   token.ExpiresAt,
			"lastUsedAt":  token.LastUsedAt,
			"createdAt":   token.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": items})
}

func (s *HTTPServer) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	identity := s.requireSession(w, r)
	if identity == nil {
		return
	}
	var body struct {
		Name          string   `json:"name"`
		Permissions   []string `json:"permissions"`
		ExpiresInDays int      `json:"expiresInDays"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	plaintext, record, err := s.service.CreateAPIToken(r.Context(), identity.UserID, body.Name, body.Permissions, body.ExpiresInDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          record.ID,
		"name":        record.Name,
		"token":       plaintext,
		"permissions": record.Permissions,
		"expiresAt":   record.ExpiresAt,
	})
}

func (s *HTTPServer) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	identity := s.requireSession(w, r)
	if identity == nil {
		return
	}
	if err := s.service.DeleteAPIToken(r.Context(), identity.UserID, chi.URLParam(r, "tokenID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Rooms

func (s *HTTPServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "read")
	if identity == nil {
		return
	}
	rooms, err := s.service.ListRooms(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	room, err := s.service.CreateRoom(r.Context(), identity, body.Name, body.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *HTTPServer) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "read")
	if identity == nil {
		return
	}
	record, access, err := s.service.GetRoom(r.Context(), identity, chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, err)
		return
	}
	response := map[string]any{
		"id":          record.ID,
		"name":        record.Name,
		"description": record.Description,
		"ownerId":     record.OwnerID,
		"role":        access.Role,
		"isGM":        access.IsGM,
		"createdAt":   record.CreatedAt,
		"updatedAt":   record.UpdatedAt,
	}
	// The share code is a credential; only the gm sees it.
	if access.IsGM {
		response["inviteCode"] = record.InviteCode
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	record, err := s.service.UpdateRoom(r.Context(), identity, chi.URLParam(r, "roomID"), body.Name, body.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *HTTPServer) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	if err := s.service.DeleteRoom(r.Context(), identity, chi.URLParam(r, "roomID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *HTTPServer) handleJoinByCode(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	var body struct {
		InviteCode string `json:"inviteCode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	record, err := s.service.JoinByInviteCode(r.Context(), identity, body.InviteCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Members

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "read")
	if identity == nil {
		return
	}
	members, err := s.service.ListMembers(r.Context(), identity, chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, map[string]any{
			"userId":   member.UserID,
			"role":     member.Role,
			"userName": member.UserName,
			"email":    member.UserEmail,
			"joinedAt": member.JoinedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": items})
}

func (s *HTTPServer) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err := s.service.UpdateMemberRole(r.Context(), identity, chi.URLParam(r, "roomID"), chi.URLParam(r, "userID"), body.Role, connectionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	err := s.service.RemoveMember(r.Context(), identity, chi.URLParam(r, "roomID"), chi.URLParam(r, "userID"), connectionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// Invites

func (s *HTTPServer) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	inviteURL, err := s.service.InviteToRoom(r.Context(), identity, chi.URLParam(r, "roomID"), body.Email, body.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"inviteUrl": inviteURL})
}

func (s *HTTPServer) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	record, err := s.service.AcceptInvite(r.Context(), identity, body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Notes

func (s *HTTPServer) handlePublishNote(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	var body struct {
		Title      string            `json:"title"`
		Content    string            `json:"content"`
		SourcePath string            `json:"sourcePath"`
		Images     map[string]string `json:"images"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	images := make(map[string][]byte, len(body.Images))
	for path, encoded := range body.Images {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			writeError(w, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "image "+path+" is not valid base64", nil))
			return
		}
		images[path] = data
	}

	input := PublishNoteInput{
		NoteID:     chi.URLParam(r, "noteID"),
		Title:      body.Title,
		Content:    body.Content,
		SourcePath: body.SourcePath,
		Images:     images,
	}
	note, created, err := s.service.PublishNote(r.Context(), identity, chi.URLParam(r, "roomID"), input, connectionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, note)
}

func (s *HTTPServer) handleGetNote(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "read")
	if identity == nil {
		return
	}
	view, err := s.service.GetNote(r.Context(), identity, chi.URLParam(r, "roomID"), chi.URLParam(r, "noteID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleListNotes(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "read")
	if identity == nil {
		return
	}
	views, err := s.service.ListNotes(r.Context(), identity, chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": views})
}

func (s *HTTPServer) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "write")
	if identity == nil {
		return
	}
	err := s.service.DeleteNote(r.Context(), identity, chi.URLParam(r, "roomID"), chi.URLParam(r, "noteID"), connectionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *HTTPServer) handleNoteHistory(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "read")
	if identity == nil {
		return
	}
	limit := queryInt(r, "limit", 50)
	commits, err := s.service.NoteHistory(r.Context(), identity, chi.URLParam(r, "roomID"), chi.URLParam(r, "noteID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": commits})
}

func (s *HTTPServer) handleNoteAtRevision(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "read")
	if identity == nil {
		return
	}
	content, err := s.service.NoteAtRevision(r.Context(), identity,
		chi.URLParam(r, "roomID"), chi.URLParam(r, "noteID"), chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hash":    chi.URLParam(r, "hash"),
		"content": content,
	})
}

// Search

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "read")
	if identity == nil {
		return
	}
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		writeError(w, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil))
		return
	}
	response, err := s.service.SearchNotes(r.Context(), identity, chi.URLParam(r, "roomID"), text,
		queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// Export

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	identity := requirePermission(w, r, "read")
	if identity == nil {
		return
	}
	result, err := s.service.ExportHandout(r.Context(), identity, chi.URLParam(r, "roomID"), r.URL.Query().Get("noteId"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Data); err != nil {
		log.Printf("app: write export response: %v", err)
	}
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("app: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	domain := mapError(err)
	if domain.Status >= http.StatusInternalServerError {
		log.Printf("app: internal error: %v", err)
	}
	writeJSON(w, domain.Status, map[string]any{
		"error": map[string]any{
			"code":    domain.Code,
			"message": domain.Message,
			"details": domain.Details,
		},
	})
}

func mapError(err error) *DomainError {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, session.ErrNotFound):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Session expired", nil)
	default:
		return domainError(http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, domainError(http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON", nil))
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, fallback int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
