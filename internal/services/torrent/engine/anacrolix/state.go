package anacrolix

import "github.com/danieldc/QuickTorrent/internal/domain"

// stateInputs is what a handle knows about its torrent at a point in time.
type stateInputs struct {
	registered bool
	started    bool
	everRan    bool
	gotInfo    bool
	hashing    bool
	complete   bool
}

func deriveState(in stateInputs) domain.TorrentState {
	switch {
	case !in.registered:
		return domain.StateStopped
	case !in.started && in.everRan:
		return domain.StatePaused
	case !in.started:
		return domain.StateStopped
	case !in.gotInfo:
		return domain.StateMetadata
	case in.hashing:
		return domain.StateHashing
	case in.complete:
		return domain.StateSeeding
	default:
		return domain.StateDownloading
	}
}

// progressFraction clamps completed/total to [0,1].
func progressFraction(completed, total int64) float64 {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 1
	}
	return float64(completed) / float64(total)
}

func peerStats(active, seeders int) domain.PeerStats {
	if seeders > active {
		seeders = active
	}
	return domain.PeerStats{
		Connected: active,
		Seeds:     seeders,
		Leechs:    active - seeders,
	}
}
