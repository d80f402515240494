package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// Rooms

func (s *PostgresStore) InsertRoom(ctx context.Context, room Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, description, owner_id, invite_code)
		VALUES ($1, $2, $3, $4, $5)
	`, room.ID, room.Name, room.Description, room.OwnerID, room.InviteCode)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRoomByID(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, invite_code, created_at, updated_at
		FROM rooms WHERE id = $1
	`, roomID).Scan(&room.ID, &room.Name, &room.Description, &room.OwnerID, &room.InviteCode, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

func (s *PostgresStore) GetRoomByInviteCode(ctx context.Context, inviteCode string) (Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, invite_code, created_at, updated_at
		FROM rooms WHERE invite_code = $1
	`, inviteCode).Scan(&room.ID, &room.Name, &room.Description, &room.OwnerID, &room.InviteCode, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

// ListRoomsForUser returns rooms the user owns or is a member of.
func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT r.id, r.name, r.description, r.owner_id, r.invite_code, r.created_at, r.updated_at
		FROM rooms r
		LEFT JOIN room_members m ON m.room_id = r.id
		WHERE r.owner_id = $1 OR m.user_id = $1
		ORDER BY r.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &room.OwnerID, &room.InviteCode, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *PostgresStore) UpdateRoom(ctx context.Context, roomID, name, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET name = $2, description = $3, updated_at = NOW() WHERE id = $1
	`, roomID, name, description)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// Memberships

func (s *PostgresStore) GetMembership(ctx context.Context, roomID, userID string) (*RoomMember, error) {
	var member RoomMember
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, user_id, role, joined_at FROM room_members
		WHERE room_id = $1 AND user_id = $2
	`, roomID, userID).Scan(&member.RoomID, &member.UserID, &member.Role, &member.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup membership: %w", err)
	}
	return &member, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, roomID string) ([]RoomMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.room_id, m.user_id, m.role, m.joined_at, u.display_name, u.email
		FROM room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1
		ORDER BY m.joined_at
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []RoomMember
	for rows.Next() {
		var member RoomMember
		if err := rows.Scan(&member.RoomID, &member.UserID, &member.Role, &member.JoinedAt, &member.UserName, &member.UserEmail); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, roomID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, roomID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM room_members WHERE room_id = $1 AND user_id = $2
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// Notes

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, room_id, author_id, title, content, public_content, source_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, note.ID, note.RoomID, note.AuthorID, note.Title, note.Content, note.PublicContent, note.SourcePath)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNote(ctx context.Context, noteID, title, content, publicContent string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notes SET title = $2, content = $3, public_content = $4, updated_at = NOW() WHERE id = $1
	`, noteID, title, content, publicContent)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update note rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = $1`, noteID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (Note, error) {
	var note Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, author_id, title, content, public_content, source_path, created_at, updated_at
		FROM notes WHERE id = $1
	`, noteID).Scan(&note.ID, &note.RoomID, &note.AuthorID, &note.Title, &note.Content, &note.PublicContent, &note.SourcePath, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

// GetNoteBySourcePath finds a previously published note by its vault path,
// used by the Obsidian plugin to republish in place.
func (s *PostgresStore) GetNoteBySourcePath(ctx context.Context, roomID, sourcePath string) (Note, error) {
	var note Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, author_id, title, content, public_content, source_path, created_at, updated_at
		FROM notes WHERE room_id = $1 AND source_path = $2
	`, roomID, sourcePath).Scan(&note.ID, &note.RoomID, &note.AuthorID, &note.Title, &note.Content, &note.PublicContent, &note.SourcePath, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

func (s *PostgresStore) ListNotesByRoom(ctx context.Context, roomID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, author_id, title, content, public_content, source_path, created_at, updated_at
		FROM notes WHERE room_id = $1
		ORDER BY updated_at DESC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var note Note
		if err := rows.Scan(&note.ID, &note.RoomID, &note.AuthorID, &note.Title, &note.Content, &note.PublicContent, &note.SourcePath, &note.CreatedAt, &note.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// Note images

func (s *PostgresStore) InsertNoteImage(ctx context.Context, image NoteImage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_images (id, note_id, local_path, storage_url, is_public)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (note_id, local_path) DO UPDATE SET storage_url = EXCLUDED.storage_url, is_public = EXCLUDED.is_public
	`, image.ID, image.NoteID, image.LocalPath, image.StorageURL, image.IsPublic)
	if err != nil {
		return fmt.Errorf("insert note image: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNoteImages(ctx context.Context, noteID string) ([]NoteImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_id, local_path, storage_url, is_public, created_at
		FROM note_images WHERE note_id = $1
		ORDER BY created_at
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list note images: %w", err)
	}
	defer rows.Close()

	var images []NoteImage
	for rows.Next() {
		var image NoteImage
		if err := rows.Scan(&image.ID, &image.NoteID, &image.LocalPath, &image.StorageURL, &image.IsPublic, &image.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note image: %w", err)
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

// API tokens

func (s *PostgresStore) InsertAPIToken(ctx context.Context, token APIToken) error {
	permissions, err := json.Marshal(token.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, user_id, name, token_hash, permissions, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.UserID, token.Name, token.TokenHash, permissions, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert api token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPITokenByHash(ctx context.Context, tokenHash string) (APIToken, error) {
	var token APIToken
	var permissions []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, token_hash, permissions, expires_at, last_used_at, created_at
		FROM api_tokens WHERE token_hash = $1
	`, tokenHash).Scan(&token.ID, &token.UserID, &token.Name, &token.TokenHash, &permissions, &token.ExpiresAt, &token.LastUsedAt, &token.CreatedAt)
	if err != nil {
		return APIToken{}, err
	}
	if err := json.Unmarshal(permissions, &token.Permissions); err != nil {
		return APIToken{}, fmt.Errorf("unmarshal permissions: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) TouchAPITokenLastUsed(ctx context.Context, tokenID string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_tokens SET last_used_at = $2 WHERE id = $1
	`, tokenID, usedAt)
	if err != nil {
		return fmt.Errorf("touch api token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPITokens(ctx context.Context, userID string) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, token_hash, permissions, expires_at, last_used_at, created_at
		FROM api_tokens WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api tokens: %w", err)
	}
	defer rows.Close()

	var tokens []APIToken
	for rows.Next() {
		var token APIToken
		var permissions []byte
		if err := rows.Scan(&token.ID, &token.UserID, &token.Name, &token.TokenHash, &permissions, &token.ExpiresAt, &token.LastUsedAt, &token.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		if err := json.Unmarshal(permissions, &token.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal permissions: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) DeleteAPIToken(ctx context.Context, userID, tokenID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM api_tokens WHERE id = $1 AND user_id = $2
	`, tokenID, userID)
	if err != nil {
		return fmt.Errorf("delete api token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete api token rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Room invites

func (s *PostgresStore) InsertRoomInvite(ctx context.Context, invite RoomInvite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_invites (id, room_id, email, role, token, created_by, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, invite.ID, invite.RoomID, invite.Email, invite.Role, invite.Token, invite.CreatedBy, invite.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert room invite: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRoomInviteByToken(ctx context.Context, token string) (RoomInvite, error) {
	var invite RoomInvite
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, email, role, token, created_by, created_at, expires_at
		FROM room_invites WHERE token = $1
	`, token).Scan(&invite.ID, &invite.RoomID, &invite.Email, &invite.Role, &invite.Token, &invite.CreatedBy, &invite.CreatedAt, &invite.ExpiresAt)
	if err != nil {
		return RoomInvite{}, err
	}
	return invite, nil
}

func (s *PostgresStore) DeleteRoomInvite(ctx context.Context, inviteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_invites WHERE id = $1`, inviteID)
	if err != nil {
		return fmt.Errorf("delete room invite: %w", err)
	}
	return nil
}
