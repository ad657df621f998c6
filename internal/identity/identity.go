// Package identity resolves the conversation owner of each HTTP request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/store"
)

const (
	// OwnerHeaderName carries an owner ID asserted by a trusted upstream.
	OwnerHeaderName = "X-Owner-ID"
	// TimezoneHeaderName optionally carries the client's IANA zone.
	TimezoneHeaderName = "X-Timezone"
	// AnonCookieName holds the anonymous owner ID of browsers.
	AnonCookieName = "conductor_owner"

	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const ownerIDKey contextKey = iota

var (
	anonIDPattern  = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	ownerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// OwnerIDFromContext extracts the owner ID from the request context.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOwnerID returns a context carrying ownerID.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// ValidOwnerID reports whether id is acceptable as an owner identifier.
func ValidOwnerID(id string) bool {
	return ownerIDPattern.MatchString(id)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func deriveUsername(ownerID string) string {
	if strings.HasPrefix(ownerID, "anon_") && len(ownerID) > 13 {
		return "anon-" + ownerID[len(ownerID)-8:]
	}
	return ownerID
}

// ensureUser creates the owner record on first sight and keeps its timezone
// current when the client reports a valid one.
func ensureUser(ctx context.Context, users store.UserRepository, ownerID, tz string) error {
	user, err := users.GetUser(ctx, ownerID)
	if err != nil {
		return err
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			tz = ""
		}
	}

	now := time.Now().UTC()
	if user == nil {
		return users.UpsertUser(ctx, &domain.User{
			OwnerID:   ownerID,
			Username:  deriveUsername(ownerID),
			Timezone:  tz,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if tz != "" && tz != user.Timezone {
		user.Timezone = tz
		user.UpdatedAt = now
		return users.UpsertUser(ctx, user)
	}
	return nil
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func ownerFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if id := strings.TrimSpace(r.Header.Get(OwnerHeaderName)); id != "" {
		if !ValidOwnerID(id) {
			return "", fmt.Errorf("invalid %s header", OwnerHeaderName)
		}
		return id, nil
	}
	if c, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}
	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// Middleware resolves the owner from X-Owner-ID or the anonymous cookie and
// makes sure a user record exists.
func Middleware(users store.UserRepository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, err := ownerFromRequest(w, r, isDev)
			if err != nil {
				slog.Warn("Rejected owner identity", "error", err, "ip", IPFromRequest(r))
				http.Error(w, `{"error":"invalid owner identity"}`, http.StatusBadRequest)
				return
			}

			tz := strings.TrimSpace(r.Header.Get(TimezoneHeaderName))
			if err := ensureUser(r.Context(), users, ownerID, tz); err != nil {
				slog.Error("Failed to initialize owner", "owner_id", ownerID, "error", err)
				http.Error(w, `{"error":"failed to initialize owner"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
