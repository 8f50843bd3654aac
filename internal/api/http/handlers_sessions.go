package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/danieldc/QuickTorrent/internal/domain"
	"github.com/danieldc/QuickTorrent/internal/usecase"
)

const maxDescriptorBytes = 10 << 20

type openSessionRequest struct {
	Magnet       string `json:"magnet"`
	InfoHash     string `json:"infoHash"`
	Torrent      []byte `json:"torrent"`
	ForceRefresh bool   `json:"forceRefresh"`
	Paused       bool   `json:"paused"`
}

type hashCheckResponse struct {
	Started bool `json:"started"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": sessions,
		"count": len(sessions),
	})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDescriptorBytes)

	var (
		in  usecase.OpenInput
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		in, err = readMultipartOpen(r)
	} else {
		in, err = readJSONOpen(r)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.manager.Open(r.Context(), in)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	status, err := sess.Status()
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	s.BroadcastSessions()
	writeJSON(w, http.StatusCreated, status)
}

func readJSONOpen(r *http.Request) (usecase.OpenInput, error) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return usecase.OpenInput{}, errors.New("invalid json body")
	}
	return usecase.OpenInput{
		Source: domain.TorrentSource{
			Magnet:       req.Magnet,
			Descriptor:   req.Torrent,
			InfoHash:     req.InfoHash,
			ForceRefresh: req.ForceRefresh,
		},
		Paused: req.Paused,
	}, nil
}

func readMultipartOpen(r *http.Request) (usecase.OpenInput, error) {
	if err := r.ParseMultipartForm(maxDescriptorBytes); err != nil {
		return usecase.OpenInput{}, errors.New("invalid multipart body")
	}
	file, _, err := r.FormFile("torrent")
	if err != nil {
		return usecase.OpenInput{}, errors.New("torrent file is required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return usecase.OpenInput{}, errors.New("read torrent file")
	}
	paused, err := parseBoolQuery(r.FormValue("paused"))
	if err != nil {
		return usecase.OpenInput{}, errors.New("invalid paused value")
	}
	return usecase.OpenInput{
		Source: domain.TorrentSource{Descriptor: data},
		Paused: paused,
	}, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ih, ok := pathInfoHash(w, r)
	if !ok {
		return
	}
	status, err := s.manager.Status(ih)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	ih, ok := pathInfoHash(w, r)
	if !ok {
		return
	}
	if err := s.manager.Remove(r.Context(), ih); err != nil {
		writeUseCaseError(w, err)
		return
	}
	s.BroadcastSessions()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionPieces(w http.ResponseWriter, r *http.Request) {
	ih, ok := pathInfoHash(w, r)
	if !ok {
		return
	}
	sess, err := s.manager.Get(ih)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	pieces, sized := sess.Pieces()
	writeJSON(w, http.StatusOK, newPieceMapResponse(ih, pieces, sized, -1))
}

func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	ih, ok := pathInfoHash(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch r.PathValue("action") {
	case "start":
		s.control(w, r, ih, s.manager.Start)
	case "stop":
		s.control(w, r, ih, s.manager.Stop)
	case "complete":
		s.control(w, r, ih, s.manager.SetComplete)
	case "hash":
		force, err := parseBoolQuery(r.URL.Query().Get("force"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid force value")
			return
		}
		started, err := s.manager.HashCheck(ctx, ih, force)
		if err != nil {
			writeUseCaseError(w, err)
			return
		}
		code := http.StatusAccepted
		if !started {
			code = http.StatusOK
		}
		writeJSON(w, code, hashCheckResponse{Started: started})
	case "save":
		if err := s.manager.Save(ctx, ih); err != nil {
			writeUseCaseError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

type controlFunc func(ctx context.Context, ih domain.InfoHash) (domain.SessionStatus, error)

func (s *Server) control(w http.ResponseWriter, r *http.Request, ih domain.InfoHash, op controlFunc) {
	status, err := op(r.Context(), ih)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	s.BroadcastSessions()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	s.manager.StartAll(r.Context())
	s.BroadcastSessions()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.manager.StopAll(r.Context())
	s.BroadcastSessions()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSaveDht(w http.ResponseWriter, _ *http.Request) {
	if err := s.manager.SaveDht(); err != nil {
		writeUseCaseError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathInfoHash(w http.ResponseWriter, r *http.Request) (domain.InfoHash, bool) {
	ih, err := domain.ParseInfoHash(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid session id")
		return domain.InfoHash{}, false
	}
	return ih, true
}
