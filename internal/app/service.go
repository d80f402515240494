package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"questlog/api/internal/auth"
	"questlog/api/internal/authpw"
	"questlog/api/internal/config"
	"questlog/api/internal/email"
	"questlog/api/internal/export"
	"questlog/api/internal/gitrepo"
	"questlog/api/internal/notes"
	"questlog/api/internal/realtime"
	"questlog/api/internal/room"
	"questlog/api/internal/search"
	"questlog/api/internal/session"
	"questlog/api/internal/store"
	"questlog/api/internal/uploads"
	"questlog/api/internal/util"
)

// dataStore is the persistence surface the service depends on. It is
// satisfied by *store.PostgresStore and by the function-field fakes in the
// tests.
type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error

	InsertRoom(ctx context.Context, r store.Room) error
	GetRoomByID(ctx context.Context, roomID string) (store.Room, error)
	GetRoomByInviteCode(ctx context.Context, inviteCode string) (store.Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]store.Room, error)
	UpdateRoom(ctx context.Context, roomID, name, description string) error
	DeleteRoom(ctx context.Context, roomID string) error

	GetMembership(ctx context.Context, roomID, userID string) (*store.RoomMember, error)
	ListMembers(ctx context.Context, roomID string) ([]store.RoomMember, error)
	UpsertMembership(ctx context.Context, roomID, userID, role string) error
	RemoveMembership(ctx context.Context, roomID, userID string) error

	InsertNote(ctx context.Context, note store.Note) error
	UpdateNote(ctx context.Context, noteID, title, content, publicContent string) error
	DeleteNote(ctx context.Context, noteID string) error
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	GetNoteBySourcePath(ctx context.Context, roomID, sourcePath string) (store.Note, error)
	ListNotesByRoom(ctx context.Context, roomID string) ([]store.Note, error)
	InsertNoteImage(ctx context.Context, image store.NoteImage) error
	ListNoteImages(ctx context.Context, noteID string) ([]store.NoteImage, error)

	InsertAPIToken(ctx context.Context, token store.APIToken) error
	GetAPITokenByHash(ctx context.Context, tokenHash string) (store.APIToken, error)
	TouchAPITokenLastUsed(ctx context.Context, tokenID string, usedAt time.Time) error
	ListAPITokens(ctx context.Context, userID string) ([]store.APIToken, error)
	DeleteAPIToken(ctx context.Context, userID, tokenID string) error

	InsertRoomInvite(ctx context.Context, invite store.RoomInvite) error
	GetRoomInviteByToken(ctx context.Context, token string) (store.RoomInvite, error)
	DeleteRoomInvite(ctx context.Context, inviteID string) error
}

// sessionStore is the session persistence surface; *session.RedisStore
// satisfies it.
type sessionStore interface {
	auth.SessionStore
	SaveSession(ctx context.Context, tokenHash string, data session.Data, expiresAt time.Time) error
	RevokeSession(ctx context.Context, tokenHash string) error
}

// Deps carries the optional infrastructure services. A nil field disables
// the corresponding feature rather than failing requests.
type Deps struct {
	Search  *search.Service
	Uploads *uploads.Service
	History *gitrepo.Service
	Mail    *email.Service
}

type Service struct {
	cfg      config.Config
	db       dataStore
	sessions sessionStore

	passwords   *authpw.Service
	resolver    *auth.Resolver
	guard       *room.Guard
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster

	search   *search.Service
	uploads  *uploads.Service
	history  *gitrepo.Service
	exporter *export.Service
	mail     *email.Service
}

func New(cfg config.Config, db dataStore, sessions sessionStore, deps Deps) *Service {
	registry := realtime.NewRegistry()
	return &Service{
		cfg:         cfg,
		db:          db,
		sessions:    sessions,
		passwords:   authpw.NewService(db),
		resolver:    auth.NewResolver(db, sessions, db),
		guard:       room.NewGuard(db, db),
		registry:    registry,
		broadcaster: realtime.NewBroadcaster(registry),
		search:      deps.Search,
		uploads:     deps.Uploads,
		history:     deps.History,
		exporter:    export.NewService(exportStore{db: db}),
		mail:        deps.Mail,
	}
}

func (s *Service) Resolver() *auth.Resolver          { return s.resolver }
func (s *Service) Guard() *room.Guard                { return s.guard }
func (s *Service) Registry() *realtime.Registry      { return s.registry }
func (s *Service) Broadcaster() *realtime.Broadcaster { return s.broadcaster }

func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Sessions

type SessionInfo struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	ExpiresAt time.Time
}

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (store.User, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if errors.Is(err, authpw.ErrEmailExists) {
		return store.User{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	}
	if err != nil {
		return store.User{}, domainError(http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
	}
	return user, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (SessionInfo, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return SessionInfo{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.CreateSession(ctx, user)
}

func (s *Service) CreateSession(ctx context.Context, user store.User) (SessionInfo, error) {
	token := auth.NewSessionToken()
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	err := s.sessions.SaveSession(ctx, auth.HashToken(token), session.Data{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
	}, expiresAt)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("save session: %w", err)
	}
	return SessionInfo{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) ChangePassword(ctx context.Context, identity *auth.Identity, current, updated string) error {
	user, err := s.db.GetUserByID(ctx, identity.UserID)
	if err != nil {
		return err
	}
	err = s.passwords.ChangePassword(ctx, user, current, updated)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Current password is incorrect", nil)
	}
	return err
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.RevokeSession(ctx, auth.HashToken(token))
}

// API tokens

func (s *Service) CreateAPIToken(ctx context.Context, userID, name string, permissions []string, expiresInDays int) (string, store.APIToken, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", store.APIToken{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if len(permissions) == 0 {
		permissions = auth.DefaultTokenPermissions
	}
	for _, permission := range permissions {
		if permission != "read" && permission != "write" {
			return "", store.APIToken{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "permissions must be read or write", nil)
		}
	}

	plaintext := auth.NewAPIToken()
	record := store.APIToken{
		ID:          util.NewID("tok"),
		UserID:      userID,
		Name:        name,
		TokenHash:   auth.HashToken(plaintext),
		Permissions: permissions,
	}
	if expiresInDays > 0 {
		expiry := time.Now().AddDate(0, 0, expiresInDays)
		record.ExpiresAt = &expiry
	}
	if err := s.db.InsertAPIToken(ctx, record); err != nil {
		return "", store.APIToken{}, fmt.Errorf("insert api token: %w", err)
	}
	return plaintext, record, nil
}

func (s *Service) ListAPITokens(ctx context.Context, userID string) ([]store.APIToken, error) {
	tokens, err := s.db.ListAPITokens(ctx, userID)
	if err != nil {
		return nil, err
	}
	// The hash never leaves the service.
	for i := range tokens {
		tokens[i].TokenHash = ""
	}
	return tokens, nil
}

func (s *Service) DeleteAPIToken(ctx context.Context, userID, tokenID string) error {
	err := s.db.DeleteAPIToken(ctx, userID, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Token not found", nil)
	}
	return err
}

// Rooms

func (s *Service) CreateRoom(ctx context.Context, identity *auth.Identity, name, description string) (store.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Room{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	record := store.Room{
		ID:          util.NewID("room"),
		Name:        name,
		Description: strings.TrimSpace(description),
		OwnerID:     identity.UserID,
		InviteCode:  newInviteCode(),
	}
	if err := s.db.InsertRoom(ctx, record); err != nil {
		return store.Room{}, fmt.Errorf("insert room: %w", err)
	}

	if s.history != nil {
		if err := s.history.EnsureRoomRepo(record.ID, identity.UserName); err != nil {
			log.Printf("app: init room archive %s: %v", record.ID, err)
		}
	}
	return record, nil
}

func (s *Service) ListRooms(ctx context.Context, userID string) ([]store.Room, error) {
	return s.db.ListRoomsForUser(ctx, userID)
}

// GetRoom loads the room after an access check and reports the caller's
// standing in it.
func (s *Service) GetRoom(ctx context.Context, identity *auth.Identity, roomID string) (store.Room, room.Access, error) {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return store.Room{}, room.Access{}, err
	}
	record, err := s.db.GetRoomByID(ctx, roomID)
	if err != nil {
		return store.Room{}, room.Access{}, err
	}
	return record, access, nil
}

func (s *Service) UpdateRoom(ctx context.Context, identity *auth.Identity, roomID, name, description string) (store.Room, error) {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return store.Room{}, err
	}
	if !access.IsGM {
		return store.Room{}, errForbidden()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Room{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.db.UpdateRoom(ctx, roomID, name, strings.TrimSpace(description)); err != nil {
		return store.Room{}, fmt.Errorf("update room: %w", err)
	}
	return s.db.GetRoomByID(ctx, roomID)
}

func (s *Service) DeleteRoom(ctx context.Context, identity *auth.Identity, roomID string) error {
	record, err := s.db.GetRoomByID(ctx, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Room not found", nil)
	}
	if err != nil {
		return err
	}
	// Only the owner may delete a room, not every gm.
	if record.OwnerID != identity.UserID {
		return errForbidden()
	}
	if err := s.db.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// JoinByInviteCode adds the caller to the room behind a share code.
func (s *Service) JoinByInviteCode(ctx context.Context, identity *auth.Identity, code string) (store.Room, error) {
	record, err := s.db.GetRoomByInviteCode(ctx, strings.TrimSpace(code))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Room{}, domainError(http.StatusNotFound, "NOT_FOUND", "Invalid invite code", nil)
	}
	if err != nil {
		return store.Room{}, err
	}
	if record.OwnerID == identity.UserID {
		return record, nil
	}
	if err := s.db.UpsertMembership(ctx, record.ID, identity.UserID, string(room.RolePlayer)); err != nil {
		return store.Room{}, fmt.Errorf("join room: %w", err)
	}
	s.broadcastMemberUpdate(record.ID, "added", &realtime.MemberInfo{
		UserID:   identity.UserID,
		Role:     string(room.RolePlayer),
		UserName: identity.UserName,
	}, "")
	return record, nil
}

// Members

func (s *Service) ListMembers(ctx context.Context, identity *auth.Identity, roomID string) ([]store.RoomMember, error) {
	if _, err := s.checkAccess(ctx, identity, roomID); err != nil {
		return nil, err
	}
	return s.db.ListMembers(ctx, roomID)
}

func (s *Service) UpdateMemberRole(ctx context.Context, identity *auth.Identity, roomID, targetUserID, newRole, excludeConn string) error {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return err
	}
	if !access.IsGM {
		return errForbidden()
	}
	member, err := s.db.GetMembership(ctx, roomID, targetUserID)
	if err != nil {
		return err
	}
	if member == nil {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
	}
	role := string(room.Normalize(newRole))
	if err := s.db.UpsertMembership(ctx, roomID, targetUserID, role); err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	s.broadcastMemberUpdate(roomID, "role_changed", &realtime.MemberInfo{
		UserID:   targetUserID,
		Role:     role,
		UserName: member.UserName,
	}, excludeConn)
	return nil
}

func (s *Service) RemoveMember(ctx context.Context, identity *auth.Identity, roomID, targetUserID, excludeConn string) error {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return err
	}
	// GMs can remove anyone; members can remove themselves.
	if !access.IsGM && identity.UserID != targetUserID {
		return errForbidden()
	}
	member, err := s.db.GetMembership(ctx, roomID, targetUserID)
	if err != nil {
		return err
	}
	if member == nil {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
	}
	if err := s.db.RemoveMembership(ctx, roomID, targetUserID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	s.broadcastMemberUpdate(roomID, "removed", &realtime.MemberInfo{
		UserID: targetUserID,
		Role:   member.Role,
	}, excludeConn)
	return nil
}

// Invites

func (s *Service) InviteToRoom(ctx context.Context, identity *auth.Identity, roomID, inviteEmail, inviteRole string) (string, error) {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return "", err
	}
	if !access.IsGM {
		return "", errForbidden()
	}
	inviteEmail = strings.TrimSpace(strings.ToLower(inviteEmail))
	if inviteEmail == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}

	invite := store.RoomInvite{
		ID:        util.NewID("inv"),
		RoomID:    roomID,
		Email:     inviteEmail,
		Role:      string(room.Normalize(inviteRole)),
		Token:     newInviteCode(),
		CreatedBy: identity.UserID,
		ExpiresAt: time.Now().AddDate(0, 0, 7),
	}
	if err := s.db.InsertRoomInvite(ctx, invite); err != nil {
		return "", fmt.Errorf("insert invite: %w", err)
	}

	inviteURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/invite?token=" + invite.Token
	if s.mail != nil && s.mail.IsConfigured() {
		record, err := s.db.GetRoomByID(ctx, roomID)
		if err == nil {
			if err := s.mail.SendRoomInvite(inviteEmail, record.Name, identity.UserName, invite.Role, inviteURL); err != nil {
				log.Printf("app: send invite mail to %s: %v", inviteEmail, err)
			}
		}
	}
	return inviteURL, nil
}

func (s *Service) AcceptInvite(ctx context.Context, identity *auth.Identity, token string) (store.Room, error) {
	invite, err := s.db.GetRoomInviteByToken(ctx, strings.TrimSpace(token))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Room{}, domainError(http.StatusNotFound, "NOT_FOUND", "Invite not found", nil)
	}
	if err != nil {
		return store.Room{}, err
	}
	if time.Now().After(invite.ExpiresAt) {
		_ = s.db.DeleteRoomInvite(ctx, invite.ID)
		return store.Room{}, domainError(http.StatusGone, "INVITE_EXPIRED", "Invite has expired", nil)
	}

	if err := s.db.UpsertMembership(ctx, invite.RoomID, identity.UserID, invite.Role); err != nil {
		return store.Room{}, fmt.Errorf("accept invite: %w", err)
	}
	if err := s.db.DeleteRoomInvite(ctx, invite.ID); err != nil {
		log.Printf("app: delete consumed invite %s: %v", invite.ID, err)
	}
	s.broadcastMemberUpdate(invite.RoomID, "added", &realtime.MemberInfo{
		UserID:   identity.UserID,
		Role:     invite.Role,
		UserName: identity.UserName,
	}, "")
	return s.db.GetRoomByID(ctx, invite.RoomID)
}

// Notes

// PublishNoteInput is the payload from the vault plugin: raw markdown plus
// the binary payloads of any locally referenced images.
type PublishNoteInput struct {
	NoteID     string
	Title      string
	Content    string
	SourcePath string
	Images     map[string][]byte
}

// NoteView is the role-filtered shape of a note. For players, Content is
// only the public partition and IsPublicView is true.
type NoteView struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"roomId"`
	AuthorID     string    `json:"authorId"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	SourcePath   string    `json:"sourcePath,omitempty"`
	IsPublicView bool      `json:"isPublicView"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PublishNote creates or updates a note from raw vault markdown: uploads
// referenced images, rewrites their paths, partitions the content, archives
// the revision, indexes it, and fans the change out to the room.
func (s *Service) PublishNote(ctx context.Context, identity *auth.Identity, roomID string, input PublishNoteInput, excludeConn string) (store.Note, bool, error) {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return store.Note{}, false, err
	}
	if !access.IsGM {
		return store.Note{}, false, errForbidden()
	}
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return store.Note{}, false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	content := input.Content
	refs := notes.ExtractImages(content)

	// Upload referenced images and rewrite their vault paths to public
	// URLs before the content is persisted anywhere.
	pathMap := make(map[string]string)
	uploaded := make(map[string]notes.ImageRef)
	if s.uploads != nil {
		for _, ref := range refs {
			data, ok := input.Images[ref.LocalPath]
			if !ok {
				continue
			}
			if _, done := pathMap[ref.LocalPath]; done {
				continue
			}
			url, err := s.uploads.PutImage(ctx, roomID, ref.LocalPath, data)
			if err != nil {
				return store.Note{}, false, fmt.Errorf("upload image %s: %w", ref.LocalPath, err)
			}
			pathMap[ref.LocalPath] = url
			uploaded[ref.LocalPath] = ref
		}
		content = notes.ReplaceImagePaths(content, pathMap)
	}

	parsed := notes.Parse(content, input.Title)
	publicContent := parsed.PublicContent()

	note, created, err := s.upsertNote(ctx, identity, roomID, input, content, publicContent)
	if err != nil {
		return store.Note{}, false, err
	}

	for localPath, ref := range uploaded {
		if err := s.db.InsertNoteImage(ctx, store.NoteImage{
			ID:         util.NewID("img"),
			NoteID:     note.ID,
			LocalPath:  localPath,
			StorageURL: pathMap[localPath],
			IsPublic:   ref.IsInPublicSection,
		}); err != nil {
			log.Printf("app: record note image %s: %v", localPath, err)
		}
	}

	if s.history != nil {
		if err := s.history.EnsureRoomRepo(roomID, identity.UserName); err != nil {
			log.Printf("app: init room archive %s: %v", roomID, err)
		}
		message := "Update " + note.Title
		if created {
			message = "Publish " + note.Title
		}
		if _, err := s.history.CommitNote(roomID, note.ID, note.Title, content, identity.UserName, message); err != nil {
			log.Printf("app: archive note %s: %v", note.ID, err)
		}
	}

	if s.search != nil {
		s.search.IndexNote(search.NoteRecord{
			ID:         note.ID,
			RoomID:     roomID,
			AuthorID:   note.AuthorID,
			Title:      note.Title,
			PublicText: publicContent,
			FullText:   content,
		})
	}

	action := "updated"
	if created {
		action = "created"
	}
	s.broadcaster.Broadcast(roomID, realtime.NewNoteUpdateMessage(note.ID, action), excludeConn)

	return note, created, nil
}

func (s *Service) upsertNote(ctx context.Context, identity *auth.Identity, roomID string, input PublishNoteInput, content, publicContent string) (store.Note, bool, error) {
	var existing store.Note
	var err error
	switch {
	case input.NoteID != "":
		existing, err = s.db.GetNote(ctx, input.NoteID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && existing.RoomID != roomID) {
			return store.Note{}, false, domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
		}
	case input.SourcePath != "":
		existing, err = s.db.GetNoteBySourcePath(ctx, roomID, input.SourcePath)
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			existing = store.Note{}
		}
	}
	if err != nil {
		return store.Note{}, false, err
	}

	if existing.ID != "" {
		if err := s.db.UpdateNote(ctx, existing.ID, input.Title, content, publicContent); err != nil {
			return store.Note{}, false, fmt.Errorf("update note: %w", err)
		}
		note, err := s.db.GetNote(ctx, existing.ID)
		return note, false, err
	}

	note := store.Note{
		ID:            util.NewID("note"),
		RoomID:        roomID,
		AuthorID:      identity.UserID,
		Title:         input.Title,
		Content:       content,
		PublicContent: publicContent,
		SourcePath:    input.SourcePath,
	}
	if err := s.db.InsertNote(ctx, note); err != nil {
		return store.Note{}, false, fmt.Errorf("insert note: %w", err)
	}
	return note, true, nil
}

func (s *Service) DeleteNote(ctx context.Context, identity *auth.Identity, roomID, noteID, excludeConn string) error {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return err
	}
	if !access.IsGM {
		return errForbidden()
	}
	note, err := s.db.GetNote(ctx, noteID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && note.RoomID != roomID) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
	}
	if err != nil {
		return err
	}
	// Stored images go first; the image rows cascade with the note.
	if s.uploads != nil {
		if images, err := s.db.ListNoteImages(ctx, noteID); err == nil {
			for _, image := range images {
				if err := s.uploads.RemoveImage(ctx, roomID, image.LocalPath); err != nil {
					log.Printf("app: remove image %s: %v", image.LocalPath, err)
				}
			}
		}
	}
	if err := s.db.DeleteNote(ctx, noteID); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if s.history != nil {
		if err := s.history.RemoveNote(roomID, noteID, identity.UserName, "Delete "+note.Title); err != nil {
			log.Printf("app: archive note deletion %s: %v", noteID, err)
		}
	}
	if s.search != nil {
		s.search.DeleteNote(noteID)
	}
	s.broadcaster.Broadcast(roomID, realtime.NewNoteUpdateMessage(noteID, "deleted"), excludeConn)
	return nil
}

// GetNote returns the role-filtered view of one note. Players only see
// notes with public content, and only the public partition of those.
func (s *Service) GetNote(ctx context.Context, identity *auth.Identity, roomID, noteID string) (NoteView, error) {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return NoteView{}, err
	}
	note, err := s.db.GetNote(ctx, noteID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && note.RoomID != roomID) {
		return NoteView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
	}
	if err != nil {
		return NoteView{}, err
	}
	view, visible := noteViewFor(note, access.IsGM)
	if !visible {
		// A fully private note does not exist as far as players know.
		return NoteView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
	}
	return view, nil
}

func (s *Service) ListNotes(ctx context.Context, identity *auth.Identity, roomID string) ([]NoteView, error) {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return nil, err
	}
	records, err := s.db.ListNotesByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	views := make([]NoteView, 0, len(records))
	for _, note := range records {
		if view, visible := noteViewFor(note, access.IsGM); visible {
			views = append(views, view)
		}
	}
	return views, nil
}

func (s *Service) NoteHistory(ctx context.Context, identity *auth.Identity, roomID, noteID string, limit int) ([]gitrepo.CommitInfo, error) {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return nil, err
	}
	if !access.IsGM {
		return nil, errForbidden()
	}
	if s.history == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	return s.history.NoteHistory(roomID, noteID, limit)
}

// NoteAtRevision returns the note's markdown as of an archived commit.
func (s *Service) NoteAtRevision(ctx context.Context, identity *auth.Identity, roomID, noteID, hash string) (string, error) {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return "", err
	}
	if !access.IsGM {
		return "", errForbidden()
	}
	if s.history == nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "History is not enabled", nil)
	}
	content, err := s.history.NoteAtCommit(roomID, noteID, hash)
	if err != nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	return content, nil
}

// Search

func (s *Service) SearchNotes(ctx context.Context, identity *auth.Identity, roomID, text string, limit, offset int) (search.Response, error) {
	access, err := s.checkAccess(ctx, identity, roomID)
	if err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:       text,
		RoomID:     roomID,
		PlayerView: !access.IsGM,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// Export

func (s *Service) ExportHandout(ctx context.Context, identity *auth.Identity, roomID, noteID string) (*export.Result, error) {
	if _, err := s.checkAccess(ctx, identity, roomID); err != nil {
		return nil, err
	}
	if noteID != "" {
		note, err := s.db.GetNote(ctx, noteID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && note.RoomID != roomID) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
		}
		if err != nil {
			return nil, err
		}
	}
	result, err := s.exporter.Export(ctx, export.Request{RoomID: roomID, NoteID: noteID})
	if errors.Is(err, export.ErrNothingToExport) {
		return nil, domainError(http.StatusNotFound, "NO_PUBLIC_CONTENT", "Nothing to export: no public content", nil)
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available", nil)
	}
	return result, err
}

// Helpers

func (s *Service) checkAccess(ctx context.Context, identity *auth.Identity, roomID string) (room.Access, error) {
	access, err := s.guard.CheckAccess(ctx, roomID, identity.UserID)
	if errors.Is(err, room.ErrRoomNotFound) {
		return room.Access{}, domainError(http.StatusNotFound, "NOT_FOUND", "Room not found", nil)
	}
	if err != nil {
		return room.Access{}, err
	}
	if !access.Allowed {
		return room.Access{}, errForbidden()
	}
	return access, nil
}

func (s *Service) broadcastMemberUpdate(roomID, action string, member *realtime.MemberInfo, excludeConn string) {
	s.broadcaster.Broadcast(roomID, realtime.NewMemberUpdateMessage(action, member), excludeConn)
}

func noteViewFor(note store.Note, isGM bool) (NoteView, bool) {
	view := NoteView{
		ID:         note.ID,
		RoomID:     note.RoomID,
		AuthorID:   note.AuthorID,
		Title:      note.Title,
		CreatedAt:  note.CreatedAt,
		UpdatedAt:  note.UpdatedAt,
	}
	if isGM {
		view.Content = note.Content
		view.SourcePath = note.SourcePath
		return view, true
	}
	if strings.TrimSpace(note.PublicContent) == "" {
		return NoteView{}, false
	}
	view.Content = note.PublicContent
	view.IsPublicView = true
	return view, true
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func newInviteCode() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// exportStore adapts the data store to the exporter's read interface,
// resolving author IDs to display names along the way.
type exportStore struct {
	db dataStore
}

func (e exportStore) GetRoom(ctx context.Context, roomID string) (export.RoomInfo, error) {
	record, err := e.db.GetRoomByID(ctx, roomID)
	if err != nil {
		return export.RoomInfo{}, err
	}
	return export.RoomInfo{ID: record.ID, Name: record.Name}, nil
}

func (e exportStore) GetNote(ctx context.Context, noteID string) (export.NoteInfo, error) {
	note, err := e.db.GetNote(ctx, noteID)
	if err != nil {
		return export.NoteInfo{}, err
	}
	return e.toNoteInfo(ctx, note), nil
}

func (e exportStore) ListNotes(ctx context.Context, roomID string) ([]export.NoteInfo, error) {
	records, err := e.db.ListNotesByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	infos := make([]export.NoteInfo, 0, len(records))
	for _, note := range records {
		infos = append(infos, e.toNoteInfo(ctx, note))
	}
	return infos, nil
}

func (e exportStore) toNoteInfo(ctx context.Context, note store.Note) export.NoteInfo {
	author := note.AuthorID
	if user, err := e.db.GetUserByID(ctx, note.AuthorID); err == nil {
		author = user.DisplayName
	}
	return export.NoteInfo{
		ID:            note.ID,
		Title:         note.Title,
		PublicContent: note.PublicContent,
		Author:        author,
		UpdatedAt:     note.UpdatedAt,
	}
}
