//go:build !linux

package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/proto"
)

// DeviceMedia on non-Linux platforms has no capture driver. Calls still
// connect and receive remote media.
type DeviceMedia struct{}

func NewDeviceMedia() (*DeviceMedia, error) { return &DeviceMedia{}, nil }

func (d *DeviceMedia) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *DeviceMedia) Acquire(ctx context.Context, kind proto.CallKind) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Infof("call: no local capture on this platform, %s call is receive-only", kind)
	return receiveOnly{}, nil
}
