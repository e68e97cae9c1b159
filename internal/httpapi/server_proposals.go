package httpapi

import (
	"net/http"

	"agentbox/internal/exchange"
)

func (s server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
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

	view, err := s.svc.Propose(r.Context(), userID, listingID, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	s.handleProposalAction(w, r, exchange.ActionAccept)
}

func (s server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	s.handleProposalAction(w, r, exchange.ActionReject)
}

func (s server) handleProposalAction(w http.ResponseWriter, r *http.Request, action exchange.ProposalAction) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing user"})
		return
	}
	proposalID, ok := uuidParam(r, "proposalID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": "proposal id must be a uuid"})
		return
	}

	res, err := s.svc.Handle(r.Context(), userID, proposalID, action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
