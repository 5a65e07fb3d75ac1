package media

import (
	"context"
	"io"
	"sync"

	"github.com/pion/rtp"
)

// remoteBuffer is how many packets a slow reader may fall behind before
// newer packets are dropped
const remoteBuffer = 128

// remoteMedia implements call.RemoteMedia. The peer's consume loop is the
// only reader of the pion track and offers every packet here.
type remoteMedia struct {
	packets chan *rtp.Packet
	done    chan struct{}
	once    sync.Once
}

func newRemoteMedia() *remoteMedia {
	return &remoteMedia{
		packets: make(chan *rtp.Packet, remoteBuffer),
		done:    make(chan struct{}),
	}
}

// offer queues pkt without blocking; it reports false when pkt was dropped
func (r *remoteMedia) offer(pkt *rtp.Packet) bool {
	select {
	case r.packets <- pkt:
		return true
	default:
		return false
	}
}

// end marks the track finished. Queued packets stay readable.
func (r *remoteMedia) end() {
	r.once.Do(func() { close(r.done) })
}

func (r *remoteMedia) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	select {
	case pkt := <-r.packets:
		return pkt, nil
	default:
	}

	select {
	case pkt := <-r.packets:
		return pkt, nil
	case <-r.done:
		// drain anything that raced with end
		select {
		case pkt := <-r.packets:
			return pkt, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
