package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agentbox/internal/keys"
)

type ctxKey string

const ctxUserID ctxKey = "user_id"

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s server) userAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := bearerToken(r)
		if apiKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing bearer token"})
			return
		}
		hash := keys.HashAPIKey(s.pepper, apiKey)

		var userID uuid.UUID
		err := s.db.QueryRow(r.Context(), `
			select u.id
			from user_api_keys k
			join users u on u.id = k.user_id
			where k.key_hash = $1 and k.revoked_at is null
		`, hash).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "invalid token"})
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("auth lookup failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": "auth lookup failed"})
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(ctxUserID)
	id, ok := v.(uuid.UUID)
	return id, ok
}
