package media

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
)

func TestSyntheticStreamTracks(t *testing.T) {
	src := NewSyntheticSource(zap.NewNop())

	stream, err := src.Acquire(context.Background(), models.CallTypeVideo)
	require.NoError(t, err)
	defer stream.Stop()

	assert.Len(t, stream.Tracks(), 2)
	assert.True(t, stream.HasTrack(call.TrackAudio))
	assert.True(t, stream.HasTrack(call.TrackVideo))
	assert.True(t, stream.Enabled(call.TrackVideo))

	assert.False(t, stream.SetEnabled(call.TrackVideo, false))
	assert.False(t, stream.Enabled(call.TrackVideo))
	assert.True(t, stream.Enabled(call.TrackAudio))
	assert.True(t, stream.SetEnabled(call.TrackVideo, true))
}

func TestAudioStreamHasNoVideo(t *testing.T) {
	stream, err := NewSyntheticSource(zap.NewNop()).Acquire(context.Background(), models.CallTypeAudio)
	require.NoError(t, err)

	assert.Len(t, stream.Tracks(), 1)
	assert.False(t, stream.HasTrack(call.TrackVideo))
	assert.False(t, stream.SetEnabled(call.TrackVideo, true))

	stream.Stop()
	stream.Stop()
}

func TestAcquireRejectsUnknownCallType(t *testing.T) {
	_, err := NewSyntheticSource(zap.NewNop()).Acquire(context.Background(), models.CallType("hologram"))
	assert.Error(t, err)

	_, err = LoopbackSource{}.Acquire(context.Background(), models.CallType(""))
	assert.Error(t, err)
}

func TestDisabledTrackDropsWrites(t *testing.T) {
	stream, err := LoopbackSource{}.Acquire(context.Background(), models.CallTypeAudio)
	require.NoError(t, err)

	s := stream.(*Stream)
	audio := s.track(call.TrackAudio)
	require.NotNil(t, audio)
	s.SetEnabled(call.TrackAudio, false)

	// an unbound RTP track would fail a real write
	assert.NoError(t, audio.WriteRTP(nil))
}

func TestOfferAnswerNegotiation(t *testing.T) {
	factory, err := NewPeerFactory(nil, zap.NewNop())
	require.NoError(t, err)

	noop := call.EndpointHandlers{}
	caller, err := factory.NewEndpoint(noop)
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory.NewEndpoint(noop)
	require.NoError(t, err)
	defer callee.Close()

	ctx := context.Background()
	local, err := NewSyntheticSource(zap.NewNop()).Acquire(ctx, models.CallTypeVideo)
	require.NoError(t, err)
	defer local.Stop()
	echo, err := LoopbackSource{}.Acquire(ctx, models.CallTypeVideo)
	require.NoError(t, err)

	require.NoError(t, caller.AddLocalStream(local))
	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	require.NoError(t, caller.SetLocalDescription(ctx, offer))

	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	require.NoError(t, callee.AddLocalStream(echo))
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	require.NoError(t, callee.SetLocalDescription(ctx, answer))

	require.NoError(t, caller.SetRemoteDescription(ctx, answer))
}

func TestAddLocalStreamRejectsForeignStreams(t *testing.T) {
	factory, err := NewPeerFactory(nil, zap.NewNop())
	require.NoError(t, err)

	ep, err := factory.NewEndpoint(call.EndpointHandlers{})
	require.NoError(t, err)
	defer ep.Close()

	assert.Error(t, ep.AddLocalStream(foreignStream{}))
}

type foreignStream struct{}

func (foreignStream) Tracks() []call.LocalTrack            { return nil }
func (foreignStream) HasTrack(call.TrackKind) bool         { return false }
func (foreignStream) Enabled(call.TrackKind) bool          { return false }
func (foreignStream) SetEnabled(call.TrackKind, bool) bool { return false }
func (foreignStream) Stop()                                {}

func TestRemoteMediaDeliversPacketsInOrder(t *testing.T) {
	var sink call.RemoteMedia = newRemoteMedia()
	r := sink.(*remoteMedia)
	ctx := context.Background()

	for seq := uint16(1); seq <= 3; seq++ {
		require.True(t, r.offer(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}))
	}
	r.end()

	// packets queued before the track ended are still readable
	for seq := uint16(1); seq <= 3; seq++ {
		pkt, err := sink.ReadRTP(ctx)
		require.NoError(t, err)
		assert.Equal(t, seq, pkt.SequenceNumber)
	}
	_, err := sink.ReadRTP(ctx)
	assert.ErrorIs(t, err, io.EOF)

	r.end()
}

func TestRemoteMediaDropsWhenReaderFallsBehind(t *testing.T) {
	r := newRemoteMedia()
	for i := 0; i < remoteBuffer; i++ {
		require.True(t, r.offer(&rtp.Packet{}))
	}
	assert.False(t, r.offer(&rtp.Packet{}))
}

func TestRemoteMediaReadHonoursContext(t *testing.T) {
	r := newRemoteMedia()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.ReadRTP(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoteMediaWakesBlockedReader(t *testing.T) {
	r := newRemoteMedia()
	got := make(chan uint16, 1)
	go func() {
		pkt, err := r.ReadRTP(context.Background())
		if err == nil {
			got <- pkt.SequenceNumber
		}
	}()

	time.Sleep(10 * time.Millisecond)
	r.offer(&rtp.Packet{Header: rtp.Header{SequenceNumber: 7}})

	select {
	case seq := <-got:
		assert.Equal(t, uint16(7), seq)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken")
	}
}
