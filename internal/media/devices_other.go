//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Devices is a placeholder on platforms without capture drivers wired in.
// pion/mediadevices needs V4L2 + malgo, which this build does not carry; a
// call on these platforms is receive-only unless the embedder supplies its
// own Provider.
type Devices struct{}

func NewDevices() (*Devices, error) { return &Devices{}, nil }

// ConfigureEngine registers the default codec set; there are no capture
// encoders to match on this platform.
func (d *Devices) ConfigureEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *Devices) AcquireLocalStream(_ context.Context, _ bool) (*Stream, error) {
	return nil, &AccessError{Reason: "media capture is not supported on this platform"}
}
