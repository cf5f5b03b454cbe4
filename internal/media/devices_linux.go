//go:build linux && cgo

package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/murdskristians/peercall/internal/util"
)

// Devices captures local audio/video via pion/mediadevices (V4L2 + malgo).
type Devices struct {
	selector *mediadevices.CodecSelector
}

// NewDevices builds a provider with VP8 and Opus encoders.
func NewDevices() (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureEngine populates a media engine with the codecs the capture
// encoders produce, so AddTrack can bind local tracks.
func (d *Devices) ConfigureEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// AcquireLocalStream opens microphone plus camera. When video capture fails
// and wantsVideo is set, it falls back to audio-only rather than aborting the
// call; only a total capture failure is reported as *AccessError.
func (d *Devices) AcquireLocalStream(_ context.Context, wantsVideo bool) (*Stream, error) {
	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{wantsVideo, "audio+video"}}
	if wantsVideo {
		attempts = append(attempts, attempt{false, "audio-only"})
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only — some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
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

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			util.LogWarning("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		var tracks []*Track
		for _, t := range ms.GetTracks() {
			t := t
			t.OnEnded(func(err error) {
				if err != nil {
					util.LogDebug("local track %s ended: %v", t.ID(), err)
				}
			})
			tracks = append(tracks, NewTrack(t.ID(), t.Kind(), t, func() { t.Close() }))
		}

		util.LogInfo("local media captured (%s) — %d tracks", a.label, len(tracks))
		return NewStream(uuid.New().String(), tracks...), nil
	}

	return nil, &AccessError{Reason: "no usable capture device", Err: lastErr}
}
