package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// InfoHash identifies a torrent's content independent of trackers and metadata.
type InfoHash [20]byte

func ParseInfoHash(raw string) (InfoHash, error) {
	var ih InfoHash
	raw = strings.TrimSpace(raw)
	if len(raw) != hex.EncodedLen(len(ih)) {
		return ih, fmt.Errorf("%w: info hash must be %d hex characters", ErrInvalidSource, hex.EncodedLen(len(ih)))
	}
	if _, err := hex.Decode(ih[:], []byte(raw)); err != nil {
		return InfoHash{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	return ih, nil
}

// HexString is the lowercase hex form used for cache file names.
func (ih InfoHash) HexString() string {
	return hex.EncodeToString(ih[:])
}

func (ih InfoHash) String() string {
	return ih.HexString()
}

func (ih InfoHash) IsZero() bool {
	return ih == InfoHash{}
}

func (ih InfoHash) MarshalText() ([]byte, error) {
	return []byte(ih.HexString()), nil
}

func (ih *InfoHash) UnmarshalText(text []byte) error {
	parsed, err := ParseInfoHash(string(text))
	if err != nil {
		return err
	}
	*ih = parsed
	return nil
}
