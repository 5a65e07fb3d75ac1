package call

import (
	"context"

	"github.com/pion/rtp"

	"github.com/mossy-p/call-signaling/internal/models"
)

// TrackKind is the media kind of a track
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is one captured track of a LocalStream
type LocalTrack interface {
	ID() string
	Kind() TrackKind
}

// LocalStream is the local capture handle. Stop releases the device.
type LocalStream interface {
	Tracks() []LocalTrack
	HasTrack(kind TrackKind) bool
	Enabled(kind TrackKind) bool
	// SetEnabled flips the tracks of kind and returns the resulting flag
	SetEnabled(kind TrackKind, on bool) bool
	Stop()
}

// MediaSource acquires local capture for a call type: audio, or audio+video
type MediaSource interface {
	Acquire(ctx context.Context, callType models.CallType) (LocalStream, error)
}

// ConnectionState mirrors the peer connection states the machine reacts to
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// RemoteMedia is the receiving end of a remote track. ReadRTP returns
// io.EOF once the track has ended.
type RemoteMedia interface {
	ReadRTP(ctx context.Context) (*rtp.Packet, error)
}

// RemoteTrack describes a track received from the peer
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
	Media    RemoteMedia
}

// EndpointHandlers are invoked by an Endpoint from its own goroutines
type EndpointHandlers struct {
	OnICECandidate    func(models.ICECandidate)
	OnConnectionState func(ConnectionState)
	OnRemoteTrack     func(RemoteTrack)
}

// Endpoint is one media peer connection
type Endpoint interface {
	AddLocalStream(stream LocalStream) error
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetLocalDescription(ctx context.Context, sdp models.SessionDescription) error
	SetRemoteDescription(ctx context.Context, sdp models.SessionDescription) error
	AddICECandidate(candidate models.ICECandidate) error
	Close() error
}

// EndpointFactory opens endpoints
type EndpointFactory interface {
	NewEndpoint(handlers EndpointHandlers) (Endpoint, error)
}
