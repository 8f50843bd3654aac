package domain

import "time"

// TorrentState is the external engine's state for a managed torrent. Sessions
// surface it read-only; transitions belong to the engine.
type TorrentState string

const (
	StateStopped     TorrentState = "stopped"
	StateMetadata    TorrentState = "metadata"
	StateHashing     TorrentState = "hashing"
	StateDownloading TorrentState = "downloading"
	StateSeeding     TorrentState = "seeding"
	StatePaused      TorrentState = "paused"
	StateError       TorrentState = "error"
)

// Downloading reports whether the state counts as actively fetching.
func (s TorrentState) Downloading() bool {
	return s == StateDownloading || s == StateHashing || s == StateMetadata
}

// ToStatus maps the engine state to the persisted catalog status.
func (s TorrentState) ToStatus(complete bool) TorrentStatus {
	switch {
	case s == StateError:
		return TorrentError
	case complete:
		return TorrentCompleted
	case s == StateMetadata:
		return TorrentPending
	case s == StateStopped || s == StatePaused:
		return TorrentStopped
	default:
		return TorrentActive
	}
}

type PeerStats struct {
	Connected int `json:"connected"`
	Seeds     int `json:"seeds"`
	Leechs    int `json:"leechs"`
}

// SessionStatus is a point-in-time projection of a session.
type SessionStatus struct {
	InfoHash       InfoHash     `json:"infoHash"`
	Name           string       `json:"name"`
	State          TorrentState `json:"state"`
	Complete       bool         `json:"complete"`
	Downloading    bool         `json:"downloading"`
	Paused         bool         `json:"paused"`
	HasAllPieces   bool         `json:"hasAllPieces"`
	Progress       float64      `json:"progress"`
	Peers          PeerStats    `json:"peers"`
	Files          int          `json:"files"`
	TotalSize      int64        `json:"totalSize"`
	PieceCount     int          `json:"pieceCount"`
	VerifiedPieces int          `json:"verifiedPieces"`
	Sized          bool         `json:"sized"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}
