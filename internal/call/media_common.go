package call

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/proto"
)

var log = logging.Logger("call")

// LocalMedia is the captured microphone and camera of one call. Close must be
// safe to call more than once.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	// SwitchCamera moves capture to the next camera and returns the new
	// video track, or nil when there is nothing to switch to.
	SwitchCamera() (webrtc.TrackLocal, error)
	Close()
}

// MediaSource acquires local media for a call of the given kind. Video calls
// capture audio as well.
type MediaSource interface {
	Acquire(ctx context.Context, kind proto.CallKind) (LocalMedia, error)
}

// receiveOnly is LocalMedia with no capture, used where no capture driver
// exists. The peer still negotiates recvonly m-lines.
type receiveOnly struct{}

func (receiveOnly) Tracks() []webrtc.TrackLocal { return nil }

func (receiveOnly) SwitchCamera() (webrtc.TrackLocal, error) { return nil, nil }

func (receiveOnly) Close() {}

// addRecvOnlyTransceivers adds a recvonly transceiver for every media kind
// the call needs but has no local track for, so CreateOffer/CreateAnswer
// always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(label string, pc *webrtc.PeerConnection, kind proto.CallKind, haveAudio, haveVideo bool) {
	if !haveAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("call [%s]: AddTransceiver(audio) error: %v", label, err)
		}
	}
	if kind == proto.CallVideo && !haveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("call [%s]: AddTransceiver(video) error: %v", label, err)
		}
	}
}
