package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"agentbox/internal/keys"
)

type issueKeyRequest struct {
	Nickname string `json:"nickname"`
}

// handleAdminIssueUserKey creates a user and their first API key. The raw
// key is returned exactly once; only its hash is stored.
func (s server) handleAdminIssueUserKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req issueKeyRequest
	if !readJSONLimited(w, r, &req, 4*1024) {
		return
	}

	apiKey, err := keys.NewAPIKey()
	if err != nil {
		s.log.Error().Err(err).Msg("issue user key: key generation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": "key generation failed"})
		return
	}
	hash := keys.HashAPIKey(s.pepper, apiKey)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("issue user key: db begin failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": "db begin failed"})
		return
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	if err := tx.QueryRow(ctx, `
		insert into users (nickname) values ($1) returning id
	`, req.Nickname).Scan(&userID); err != nil {
		s.log.Error().Err(err).Msg("issue user key: create user failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": "create user failed"})
		return
	}
	if _, err := tx.Exec(ctx, `
		insert into user_api_keys (user_id, key_hash)
		values ($1, $2)
	`, userID, hash); err != nil {
		s.log.Error().Err(err).Msg("issue user key: create key failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": "create key failed"})
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.log.Error().Err(err).Msg("issue user key: db commit failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": "db commit failed"})
		return
	}

	s.log.Info().Str("user_id", userID.String()).Msg("user api key issued")
	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id": userID.String(),
		"api_key": apiKey,
	})
}
