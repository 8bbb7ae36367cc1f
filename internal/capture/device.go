package capture

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/gen2brain/malgo"
)

// Source produces raw 16-bit little-endian mono PCM. Run blocks until the
// source is exhausted or ctx is done.
type Source interface {
	Run(ctx context.Context, onData func(pcm []byte)) error
}

type DeviceInfo struct {
	ID   string
	Name string
}

// ListDevices returns the capture devices known to the audio backend.
func ListDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo init: %w", err)
	}
	defer func() {
		mctx.Uninit()
		mctx.Free()
	}()

	devices, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceInfo{
			ID:   formatDeviceID(d.ID),
			Name: d.Name(),
		})
	}
	return out, nil
}

func formatDeviceID(id malgo.DeviceID) string { return hex.EncodeToString(id[:]) }

// parseDeviceID accepts the form printed by ListDevices.
func parseDeviceID(v string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	b, err := hex.DecodeString(v)
	if err != nil {
		return id, fmt.Errorf("invalid device id: %w", err)
	}
	if len(b) > len(id) {
		return id, fmt.Errorf("invalid device id: %d bytes, max %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// DeviceSource captures from a microphone. An empty DeviceID selects the
// system default.
type DeviceSource struct {
	SampleRate int
	DeviceID   string
}

func (d *DeviceSource) Run(ctx context.Context, onData func(pcm []byte)) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("malgo init: %w", err)
	}
	defer func() {
		mctx.Uninit()
		mctx.Free()
	}()

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(d.SampleRate)

	if d.DeviceID != "" {
		devID, err := parseDeviceID(d.DeviceID)
		if err != nil {
			return err
		}
		cfg.Capture.DeviceID = devID.Pointer()
	}

	// data is reused by the driver after the callback returns
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			onData(data)
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("malgo device: %w", err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		return fmt.Errorf("malgo start: %w", err)
	}
	<-ctx.Done()
	dev.Stop()
	return nil
}
