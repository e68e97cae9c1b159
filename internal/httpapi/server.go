package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"agentbox/internal/exchange"
)

type server struct {
	db         *pgxpool.Pool
	svc        *exchange.Service
	log        zerolog.Logger
	pepper     string
	adminToken string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func readJSONLimited(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := readJSON(r, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": "invalid json body"})
		return false
	}
	return true
}

// kindStatus maps engine rejection kinds to HTTP statuses. Conflicts with
// another user's action are all 409: from the client's view the resource
// was consumed, regardless of which check caught it.
var kindStatus = map[exchange.Kind]int{
	exchange.KindInvalidInput:    http.StatusBadRequest,
	exchange.KindInvalidTarget:   http.StatusBadRequest,
	exchange.KindSelfTrade:       http.StatusBadRequest,
	exchange.KindMismatchedAgent: http.StatusBadRequest,

	exchange.KindForbidden: http.StatusForbidden,
	exchange.KindNotOwned:  http.StatusForbidden,

	exchange.KindNotFound: http.StatusNotFound,

	exchange.KindAlreadyUsed:          http.StatusConflict,
	exchange.KindVoid:                 http.StatusConflict,
	exchange.KindNotEligible:          http.StatusConflict,
	exchange.KindAlreadyListed:        http.StatusConflict,
	exchange.KindCodeUnavailable:      http.StatusConflict,
	exchange.KindDuplicateProposal:    http.StatusConflict,
	exchange.KindNotCancelable:        http.StatusConflict,
	exchange.KindAlreadyHandled:       http.StatusConflict,
	exchange.KindListingNotTradable:   http.StatusConflict,
	exchange.KindCodeNoLongerEligible: http.StatusConflict,
}

// writeError renders an engine error as {"error": kind, "message": reason}.
// Anything without a kind is an internal fault: logged, details withheld.
func (s server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := exchange.KindOf(err)
	if kind == "" {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "internal",
			"message": "internal error",
		})
		return
	}
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusConflict
	}
	var e *exchange.Error
	message := err.Error()
	if errors.As(err, &e) {
		message = e.Reason
	}
	writeJSON(w, status, map[string]string{
		"error":   string(kind),
		"message": message,
	})
}

func uuidParam(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}
