package domain

import (
	"errors"
	"time"
)

// SessionRecord is the catalog entry that lets a restarted process reopen
// the sessions it had open.
type SessionRecord struct {
	InfoHash       InfoHash      `json:"infoHash"`
	Name           string        `json:"name"`
	Status         TorrentStatus `json:"status"`
	Source         TorrentSource `json:"-"`
	PieceCount     int           `json:"pieceCount"`
	VerifiedPieces int           `json:"verifiedPieces"`
	TotalBytes     int64         `json:"totalBytes"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Validate checks domain invariants for SessionRecord.
func (r SessionRecord) Validate() error {
	if r.InfoHash.IsZero() {
		return errors.New("info hash is required")
	}
	if r.PieceCount < 0 {
		return errors.New("pieceCount must not be negative")
	}
	if r.VerifiedPieces < 0 {
		return errors.New("verifiedPieces must not be negative")
	}
	if r.VerifiedPieces > r.PieceCount {
		return errors.New("verifiedPieces must not exceed pieceCount")
	}
	if r.TotalBytes < 0 {
		return errors.New("totalBytes must not be negative")
	}
	switch r.Status {
	case TorrentPending, TorrentActive, TorrentCompleted, TorrentStopped, TorrentError:
	case "":
		return errors.New("status is required")
	default:
		return errors.New("invalid status: " + string(r.Status))
	}
	return nil
}
