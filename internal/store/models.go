package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	InviteCode  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoomMember is the authoritative join between users and rooms. The room
// owner is implicitly "gm" and has no membership row.
type RoomMember struct {
	RoomID   string
	UserID   string
	Role     string
	JoinedAt time.Time
	// Joined fields for API responses
	UserName  string
	UserEmail string
}

// Note holds both the full markdown and the derived public-only rendition.
// PublicContent is recomputed from the partition markers on every write so
// player-facing reads never parse gm text.
type Note struct {
	ID            string
	RoomID        string
	AuthorID      string
	Title         string
	Content       string
	PublicContent string
	SourcePath    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NoteImage records an uploaded image referenced by a published note.
type NoteImage struct {
	ID         string
	NoteID     string
	LocalPath  string
	StorageURL string
	IsPublic   bool
	CreatedAt  time.Time
}

// APIToken is a long-lived bearer credential with an explicit permission
// grant. Only the sha256 hash of the token value is stored.
type APIToken struct {
	ID          string
	UserID      string
	Name        string
	TokenHash   string
	Permissions []string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// RoomInvite is a pending email invitation to a room.
type RoomInvite struct {
	ID        string
	RoomID    string
	Email     string
	Role      string
	Token     string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt time.Time
}
