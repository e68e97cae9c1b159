package httpapi

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"agentbox/internal/exchange"
)

func (s server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s server) handleMarket(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing user"})
		return
	}

	var f exchange.MarketFilter
	q := r.URL.Query()
	if raw := q.Get("wanted_agent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": "wanted_agent_id must be a uuid"})
			return
		}
		f.WantedAgentID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		f.Limit, _ = strconv.Atoi(raw)
	}
	if raw := q.Get("offset"); raw != "" {
		f.Offset, _ = strconv.Atoi(raw)
	}

	page, err := s.svc.Market(r.Context(), userID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type publishRequest struct {
	Code          string    `json:"code"`
	WantedAgentID uuid.UUID `json:"wanted_agent_id"`
}

func (s server) handlePublishListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing user"})
		return
	}
	var req publishRequest
	if !readJSONLimited(w, r, &req, 4*1024) {
		return
	}

	view, err := s.svc.Publish(r.Context(), userID, req.Code, req.WantedAgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing user"})
		return
	}
	listingID, ok := uuidParam(r, "listingID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": "listing id must be a uuid"})
		return
	}

	res, err := s.svc.Cancel(r.Context(), userID, listingID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s server) handleDirectTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing user"})
		return
	}
	listingID, ok := uuidParam(r, "listingID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": "listing id must be a uuid"})
		return
	}
	var req codeRequest
	if !readJSONLimited(w, r, &req, 4*1024) {
		return
	}

	res, err := s.svc.DirectTrade(r.Context(), userID, listingID, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
