package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/usecase"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeUseCaseError maps manager errors onto HTTP statuses. Infrastructure
// failures keep their message; anything unclassified is hidden.
func writeUseCaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSource):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, domain.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, "already_registered", "torrent already registered")
	case errors.Is(err, domain.ErrDhtNotRunning):
		writeError(w, http.StatusConflict, "dht_not_running", "dht not running")
	case errors.Is(err, usecase.ErrClosed), errors.Is(err, domain.ErrPoolInit):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, usecase.ErrRepository):
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
	case errors.Is(err, usecase.ErrStorage):
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
	case errors.Is(err, usecase.ErrEngine):
		writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseBoolQuery(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	switch strings.ToLower(value) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, errors.New("invalid bool")
	}
}

// pieceMapResponse carries the piece map as an MSB-first bitfield, the same
// layout BitTorrent uses on the wire.
type pieceMapResponse struct {
	InfoHash   domain.InfoHash `json:"infoHash"`
	Sized      bool            `json:"sized"`
	PieceCount int             `json:"pieceCount"`
	Verified   int             `json:"verified"`
	Complete   bool            `json:"complete"`
	LastPiece  *int            `json:"lastPiece,omitempty"`
	Bitfield   []byte          `json:"bitfield"`
}

// newPieceMapResponse builds the payload. lastPiece is omitted when negative.
func newPieceMapResponse(ih domain.InfoHash, pieces []bool, sized bool, lastPiece int) pieceMapResponse {
	resp := pieceMapResponse{
		InfoHash:   ih,
		Sized:      sized,
		PieceCount: len(pieces),
		Bitfield:   packBitfield(pieces),
	}
	for _, have := range pieces {
		if have {
			resp.Verified++
		}
	}
	resp.Complete = sized && resp.Verified == len(pieces)
	if lastPiece >= 0 {
		resp.LastPiece = &lastPiece
	}
	return resp
}

func packBitfield(pieces []bool) []byte {
	out := make([]byte, (len(pieces)+7)/8)
	for i, have := range pieces {
		if have {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}
