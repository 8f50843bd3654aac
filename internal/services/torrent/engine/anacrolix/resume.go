package anacrolix

import (
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

const resumeVersion = 1

// resumeRecord is the on-disk fast-resume format: which pieces of a torrent
// were verified when the record was written.
type resumeRecord struct {
	Version  int    `bencode:"version"`
	InfoHash string `bencode:"info-hash"`
	Pieces   int    `bencode:"pieces"`
	Have     []byte `bencode:"have"`
	SavedAt  int64  `bencode:"saved-at"`
}

func encodeResume(ih domain.InfoHash, have []bool, now time.Time) ([]byte, error) {
	return bencode.Marshal(resumeRecord{
		Version:  resumeVersion,
		InfoHash: ih.HexString(),
		Pieces:   len(have),
		Have:     packBits(have),
		SavedAt:  now.Unix(),
	})
}

// decodeResume validates a record against the torrent it is loaded for.
// Any problem is reported as domain.ErrCorruptResumeRecord.
func decodeResume(ih domain.InfoHash, data []byte) ([]bool, error) {
	var rec resumeRecord
	if err := bencode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptResumeRecord, err)
	}
	if rec.Version != resumeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", domain.ErrCorruptResumeRecord, rec.Version)
	}
	if rec.InfoHash != ih.HexString() {
		return nil, fmt.Errorf("%w: record is for %s", domain.ErrCorruptResumeRecord, rec.InfoHash)
	}
	if rec.Pieces < 0 || len(rec.Have) != (rec.Pieces+7)/8 {
		return nil, fmt.Errorf("%w: bitfield of %d bytes for %d pieces", domain.ErrCorruptResumeRecord, len(rec.Have), rec.Pieces)
	}
	return unpackBits(rec.Have, rec.Pieces), nil
}

// packBits uses the wire bitfield layout: piece 0 is the high bit of byte 0.
func packBits(have []bool) []byte {
	buf := make([]byte, (len(have)+7)/8)
	for i, ok := range have {
		if ok {
			buf[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return buf
}

func unpackBits(buf []byte, n int) []bool {
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = buf[i/8]&(1<<(7-uint(i%8))) != 0
	}
	return out
}

// resumeCompletion is the engine's piece completion store. It is seeded from
// resume records so loaded pieces are trusted without re-hashing, and it
// records every completion the engine reports afterwards.
type resumeCompletion struct {
	mu sync.RWMutex
	m  map[metainfo.PieceKey]bool
}

func newResumeCompletion() *resumeCompletion {
	return &resumeCompletion{m: make(map[metainfo.PieceKey]bool)}
}

func (c *resumeCompletion) Get(pk metainfo.PieceKey) (storage.Completion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	complete, ok := c.m[pk]
	return storage.Completion{Complete: complete, Ok: ok}, nil
}

func (c *resumeCompletion) Set(pk metainfo.PieceKey, complete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[pk] = complete
	return nil
}

// seed loads a resume bitmap. Only verified pieces are recorded; unknown
// pieces stay unknown so the engine checks them itself.
func (c *resumeCompletion) seed(ih domain.InfoHash, have []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ok := range have {
		if ok {
			c.m[metainfo.PieceKey{InfoHash: metainfo.Hash(ih), Index: i}] = true
		}
	}
}

// forget drops every entry for ih, used when a torrent is unregistered or
// force re-checked.
func (c *resumeCompletion) forget(ih domain.InfoHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := metainfo.Hash(ih)
	for pk := range c.m {
		if pk.InfoHash == h {
			delete(c.m, pk)
		}
	}
}

func (c *resumeCompletion) Close() error {
	return nil
}

var _ storage.PieceCompletion = (*resumeCompletion)(nil)
