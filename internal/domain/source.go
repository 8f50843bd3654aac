package domain

import (
	"fmt"
	"strings"
)

// TorrentSource names one of the three ways a session can be constructed.
// Exactly one of Magnet, Descriptor or InfoHash must be set.
type TorrentSource struct {
	Magnet     string `json:"magnet,omitempty"`
	Descriptor []byte `json:"descriptor,omitempty"`
	InfoHash   string `json:"infoHash,omitempty"`
	// ForceRefresh ignores a cached descriptor for InfoHash sources.
	ForceRefresh bool `json:"forceRefresh,omitempty"`
}

type SourceKind string

const (
	SourceMagnet     SourceKind = "magnet"
	SourceDescriptor SourceKind = "descriptor"
	SourceInfoHash   SourceKind = "infohash"
)

func (s TorrentSource) Kind() (SourceKind, error) {
	var kinds []SourceKind
	if strings.TrimSpace(s.Magnet) != "" {
		kinds = append(kinds, SourceMagnet)
	}
	if len(s.Descriptor) > 0 {
		kinds = append(kinds, SourceDescriptor)
	}
	if strings.TrimSpace(s.InfoHash) != "" {
		kinds = append(kinds, SourceInfoHash)
	}
	if len(kinds) != 1 {
		return "", fmt.Errorf("%w: exactly one of magnet, descriptor or infoHash is required", ErrInvalidSource)
	}
	return kinds[0], nil
}
