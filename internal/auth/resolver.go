package auth

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"questlog/api/internal/session"
	"questlog/api/internal/store"
)

const (
	AuthTypeSession  = "session"
	AuthTypeAPIToken = "api-token"
)

// sessionCookieNames lists the cookie names checked for a session token,
// newest first. The legacy names exist because earlier clients stored the
// token under their auth library's default cookie.
var sessionCookieNames = []string{
	"questlog.session_token",
	"better-auth.session_token",
	"session_token",
	"authjs.session-token",
}

// Identity is the resolved result of a credential lookup. Permissions for
// session auth are always the full fixed set; for api-token auth they are
// whatever was granted at token creation.
type Identity struct {
	UserID      string
	UserName    string
	Email       string
	AuthType    string
	Permissions []string
}

type TokenStore interface {
	GetAPITokenByHash(ctx context.Context, tokenHash string) (store.APIToken, error)
	TouchAPITokenLastUsed(ctx context.Context, tokenID string, usedAt time.Time) error
}

type SessionStore interface {
	LookupSession(ctx context.Context, tokenHash string) (session.Data, error)
}

type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// Resolver maps an inbound request or connection to an Identity. It tries
// bearer API tokens first, then session tokens. "No credentials found" is
// not an error: Resolve returns nil in that case.
type Resolver struct {
	tokens   TokenStore
	sessions SessionStore
	users    UserStore
}

func NewResolver(tokens TokenStore, sessions SessionStore, users UserStore) *Resolver {
	return &Resolver{tokens: tokens, sessions: sessions, users: users}
}

// Resolve inspects the request headers and returns the resolved identity,
// or nil when no presented credential resolves. Each failed attempt falls
// through to the next; none is fatal.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) *Identity {
	if bearer := bearerToken(req); bearer != "" {
		if identity := r.resolveAPIToken(ctx, bearer); identity != nil {
			return identity
		}
		// SPA clients present their session token as a bearer header.
		if identity := r.resolveSession(ctx, bearer); identity != nil {
			return identity
		}
	}

	for _, name := range sessionCookieNames {
		cookie, err := req.Cookie(name)
		if err != nil || cookie.Value == "" {
			continue
		}
		for _, candidate := range tokenCandidates(cookie.Value) {
			if identity := r.resolveSession(ctx, candidate); identity != nil {
				return identity
			}
		}
	}

	return nil
}

// ResolveToken resolves a raw token carried on a WebSocket upgrade query
// string. The transport cannot carry normal cookies during the handshake,
// so the token is tried as a bearer API token first, then re-interpreted
// as each form a session cookie value may take. Whichever method succeeds
// first is used; all are equally trusted.
func (r *Resolver) ResolveToken(ctx context.Context, token string) *Identity {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}

	if identity := r.resolveAPIToken(ctx, token); identity != nil {
		return identity
	}

	for _, candidate := range tokenCandidates(token) {
		if identity := r.resolveSession(ctx, candidate); identity != nil {
			return identity
		}
	}

	return nil
}

func (r *Resolver) resolveAPIToken(ctx context.Context, token string) *Identity {
	record, err := r.tokens.GetAPITokenByHash(ctx, HashToken(token))
	if err != nil {
		return nil
	}
	if record.ExpiresAt != nil && !record.ExpiresAt.After(time.Now()) {
		return nil
	}

	// Best-effort usage stamp; failure must not fail the resolution.
	if err := r.tokens.TouchAPITokenLastUsed(ctx, record.ID, time.Now()); err != nil {
		log.Printf("auth: touch api token %s: %v", record.ID, err)
	}

	user, err := r.users.GetUserByID(ctx, record.UserID)
	if err != nil {
		return nil
	}

	permissions := record.Permissions
	if len(permissions) == 0 {
		permissions = DefaultTokenPermissions
	}

	return &Identity{
		UserID:      user.ID,
		UserName:    user.DisplayName,
		Email:       user.Email,
		AuthType:    AuthTypeAPIToken,
		Permissions: permissions,
	}
}

func (r *Resolver) resolveSession(ctx context.Context, token string) *Identity {
	data, err := r.sessions.LookupSession(ctx, HashToken(token))
	if err != nil {
		return nil
	}
	return &Identity{
		UserID:      data.UserID,
		UserName:    data.DisplayName,
		Email:       data.Email,
		AuthType:    AuthTypeSession,
		Permissions: SessionPermissions,
	}
}

// HasPermission reports whether the identity may perform the given action.
// Session auth always passes; api-token auth checks the granted list.
func HasPermission(identity *Identity, permission string) bool {
	if identity == nil {
		return false
	}
	if identity.AuthType == AuthTypeSession {
		return true
	}
	return slices.Contains(identity.Permissions, permission)
}

// tokenCandidates expands a presented session token into the forms it may
// have been stored under: as-is, URL-decoded, and with a cookie signature
// suffix stripped.
func tokenCandidates(token string) []string {
	candidates := []string{token}
	if decoded, err := url.QueryUnescape(token); err == nil && decoded != token {
		candidates = append(candidates, decoded)
	}
	if idx := strings.IndexByte(token, '.'); idx > 0 {
		candidates = append(candidates, token[:idx])
	}
	return candidates
}

func bearerToken(req *http.Request) string {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
