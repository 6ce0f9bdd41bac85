//go:build linux

package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/proto"
)

// DeviceMedia captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo on Linux).
type DeviceMedia struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceMedia() (*DeviceMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceMedia{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *DeviceMedia) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// videoConstraints restricts capture to raw formats at most 640x480. Some
// cameras expose an MJPEG node that produces malformed frames and poisons
// the VP8 encoder.
func videoConstraints(deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.StringExact(deviceID)
		}
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: 640}
		c.Height = prop.IntRanged{Max: 480}
	}
}

// Acquire opens the microphone, plus the camera for video calls. A video
// call whose camera cannot be opened falls back to audio only; an audio
// failure aborts.
func (d *DeviceMedia) Acquire(ctx context.Context, kind proto.CallKind) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if kind == proto.CallVideo {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{
			Codec: d.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		}
		if a.video {
			constraints.Video = videoConstraints("")
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("call: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		dt := &deviceTracks{selector: d.selector}
		for _, t := range stream.GetTracks() {
			t := t
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("call: local %s track ended: %v", t.Kind(), err)
				}
			})
			dt.tracks = append(dt.tracks, t)
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				dt.video = t
			}
		}
		log.Infof("call: local media captured (%s), %d tracks", a.label, len(dt.tracks))
		return dt, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no capture attempted")
	}
	return nil, lastErr
}

type deviceTracks struct {
	selector *mediadevices.CodecSelector

	mu     sync.Mutex
	tracks []mediadevices.Track
	video  mediadevices.Track
	camera string
	closed bool
}

func (d *deviceTracks) Tracks() []webrtc.TrackLocal {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(d.tracks))
	for _, t := range d.tracks {
		out = append(out, t)
	}
	return out
}

// SwitchCamera opens the next video input after the current one.
func (d *deviceTracks) SwitchCamera() (webrtc.TrackLocal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.video == nil {
		return nil, nil
	}

	var cams []string
	for _, dev := range mediadevices.EnumerateDevices() {
		if dev.Kind == mediadevices.VideoInput {
			cams = append(cams, dev.DeviceID)
		}
	}
	if len(cams) < 2 {
		log.Debugf("call: %d camera(s), nothing to switch", len(cams))
		return nil, nil
	}
	next := cams[0]
	for i, id := range cams {
		if id == d.camera {
			next = cams[(i+1)%len(cams)]
			break
		}
	}
	if d.camera == "" {
		next = cams[1]
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: videoConstraints(next),
	})
	if err != nil {
		return nil, err
	}
	vids := stream.GetVideoTracks()
	if len(vids) == 0 {
		return nil, errors.New("camera produced no video track")
	}

	old := d.video
	d.video = vids[0]
	d.camera = next
	for i, t := range d.tracks {
		if t == old {
			d.tracks[i] = d.video
		}
	}
	_ = old.Close()
	return d.video, nil
}

func (d *deviceTracks) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, t := range d.tracks {
		_ = t.Close()
	}
}
