package httpapi

import (
	"net/http"
)

type codeRequest struct {
	Code string `json:"code"`
}

func (s server) handleRedeemCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing user"})
		return
	}
	var req codeRequest
	if !readJSONLimited(w, r, &req, 4*1024) {
		return
	}

	res, err := s.svc.Redeem(r.Context(), userID, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing user"})
		return
	}
	var req codeRequest
	if !readJSONLimited(w, r, &req, 4*1024) {
		return
	}

	res, err := s.svc.VerifyCode(r.Context(), userID, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
