package anacrolix

import (
	"sync/atomic"

	"github.com/anacrolix/torrent"

	"github.com/danieldc/QuickTorrent/internal/domain"
)

// chunkFeedSize bounds chunk notices waiting for the forwarder. Notices past
// it are dropped; the piece still reports through verification.
const chunkFeedSize = 1024

type chunkNotice struct {
	ih    domain.InfoHash
	index int
}

// chunkFeed carries per-chunk notices out of the client callback. The client
// calls back with its lock held, so push never blocks.
type chunkFeed struct {
	ch      chan chunkNotice
	dropped atomic.Int64
}

func newChunkFeed() *chunkFeed {
	return &chunkFeed{ch: make(chan chunkNotice, chunkFeedSize)}
}

func (f *chunkFeed) push(ih domain.InfoHash, index int) bool {
	select {
	case f.ch <- chunkNotice{ih: ih, index: index}:
		return true
	default:
		f.dropped.Add(1)
		return false
	}
}

// onUsefulData is installed as the client's ReceivedUsefulData callback.
func (f *chunkFeed) onUsefulData(ev torrent.ReceivedUsefulDataEvent) {
	if ev.Peer == nil || ev.Message == nil {
		return
	}
	t := ev.Peer.Torrent()
	if t == nil {
		return
	}
	f.push(domain.InfoHash(t.InfoHash()), int(ev.Message.Index))
}

// forwardChunks turns queued notices into BlockReceived events for the
// registered handle until done is closed.
func (e *Engine) forwardChunks(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case n := <-e.chunks.ch:
			e.deliverBlock(n.ih, n.index)
		}
	}
}

func (e *Engine) deliverBlock(ih domain.InfoHash, index int) {
	e.mu.RLock()
	h := e.handles[ih]
	e.mu.RUnlock()
	if h == nil {
		return
	}
	h.dispatchBlock(domain.BlockReceived{Index: index, PieceCount: h.PieceCount()})
}
