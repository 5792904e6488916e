package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Broker errors the signalling handler maps onto HTTP statuses.
var (
	// ErrTooManySessions rejects an offer when the session cap is reached.
	ErrTooManySessions = errors.New("too many sessions")

	// ErrUnknownSession rejects trickle candidates for an unknown session id.
	ErrUnknownSession = errors.New("unknown session")
)

// Candidate is one remote ICE candidate as it appears on the wire.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid"`
	SDPMLineIndex uint16 `json:"sdp_mline_index"`
}

// SessionBroker owns session admission and lifetime. The signalling handler
// is a thin JSON shim over it.
type SessionBroker interface {
	// Offer admits a new session for the remote SDP offer and returns the
	// session id and the complete (non-trickle) SDP answer.
	Offer(ctx context.Context, offerSDP string) (sessionID, answerSDP string, err error)

	// Trickle adds late remote ICE candidates to an existing session.
	Trickle(sessionID string, candidates []Candidate) error
}

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type offerResponse struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type trickleRequest struct {
	SessionID  string      `json:"session_id"`
	Candidates []Candidate `json:"candidates"`
}

// NewSignalHandler returns the HTTP signalling surface:
//
//	POST  /offer  — SDP offer in, SDP answer + session id out
//	PATCH /offer  — trickle ICE candidates for an existing session
func NewSignalHandler(broker SessionBroker, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "signal")

	mux := http.NewServeMux()

	mux.HandleFunc("POST /offer", func(w http.ResponseWriter, r *http.Request) {
		var req offerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type != "offer" || req.SDP == "" {
			writeSignalError(w, http.StatusBadRequest, "bad_offer")
			return
		}

		sessionID, answer, err := broker.Offer(r.Context(), req.SDP)
		switch {
		case errors.Is(err, ErrTooManySessions):
			writeSignalError(w, http.StatusConflict, "too_many_sessions")
			return
		case err != nil:
			log.Error("session admission failed", "error", err)
			writeSignalError(w, http.StatusInternalServerError, "init_error")
			return
		}

		log.Info("session admitted", "session_id", sessionID)
		writeJSON(w, http.StatusOK, offerResponse{SDP: answer, Type: "answer", SessionID: sessionID})
	})

	mux.HandleFunc("PATCH /offer", func(w http.ResponseWriter, r *http.Request) {
		var req trickleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			writeSignalError(w, http.StatusBadRequest, "bad_offer")
			return
		}

		if err := broker.Trickle(req.SessionID, req.Candidates); err != nil {
			if errors.Is(err, ErrUnknownSession) {
				writeSignalError(w, http.StatusNotFound, "not_found")
				return
			}
			log.Error("trickle failed", "session_id", req.SessionID, "error", err)
			writeSignalError(w, http.StatusInternalServerError, "init_error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSignalError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: code})
}
