package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// MediaInfo is the container/stream probe result stored on files and on
// completed jobs.
type MediaInfo struct {
	Format      string  `json:"format,omitempty"`
	DurationSec float64 `json:"duration"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Codec       string  `json:"codec"`
	BitRate     int64   `json:"bitrate"`
	FPS         float64 `json:"fps"`
	AudioCodec  string  `json:"audio_codec,omitempty"`
	SizeBytes   int64   `json:"file_size"`
}

func (m MediaInfo) JSON() json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

type Prober interface {
	ProbeFile(ctx context.Context, url string) (MediaInfo, error)
}

// Probe runs ffprobe against a local path or URL with bounded retries.
type Probe struct{}

func (p Probe) ProbeFile(ctx context.Context, url string) (MediaInfo, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, url, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backOff, 3), ctx))
	if err != nil {
		return MediaInfo{}, fmt.Errorf("error probing: %w", err)
	}
	return parseProbeData(data)
}

func parseProbeData(data *ffprobe.ProbeData) (MediaInfo, error) {
	if data.Format == nil {
		return MediaInfo{}, errors.New("error parsing probe data: format information missing")
	}
	videoStream := data.FirstVideoStream()
	if videoStream == nil {
		return MediaInfo{}, errors.New("no video stream found")
	}

	bitRateValue := videoStream.BitRate
	if bitRateValue == "" {
		bitRateValue = data.Format.BitRate
	}
	var bitrate int64
	if bitRateValue != "" {
		var err error
		bitrate, err = strconv.ParseInt(bitRateValue, 10, 64)
		if err != nil {
			return MediaInfo{}, fmt.Errorf("error parsing bitrate from probed data: %w", err)
		}
	}

	duration, err := strconv.ParseFloat(videoStream.Duration, 64)
	if err != nil {
		duration = data.Format.DurationSeconds
	}

	fps, err := parseFps(videoStream.AvgFrameRate)
	if err != nil || fps == 0 {
		// AvgFrameRate can be 0/0 for some containers.
		fps, _ = parseFps(videoStream.RFrameRate)
	}

	var size int64
	if data.Format.Size != "" {
		size, _ = strconv.ParseInt(data.Format.Size, 10, 64)
	}

	info := MediaInfo{
		Format:      data.Format.FormatName,
		DurationSec: duration,
		Width:       videoStream.Width,
		Height:      videoStream.Height,
		Codec:       videoStream.CodecName,
		BitRate:     bitrate,
		FPS:         fps,
		SizeBytes:   size,
	}
	if audioStream := data.FirstAudioStream(); audioStream != nil {
		info.AudioCodec = audioStream.CodecName
	}
	return info, nil
}

func parseFps(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.Split(framerate, "/")
	if len(parts) > 1 {
		num, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing fps numerator: %w", err)
		}
		den, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing fps denominator: %w", err)
		}
		if den == 0 {
			return 0, nil
		}
		return num / den, nil
	}
	fps, err := strconv.ParseFloat(framerate, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing fps: %w", err)
	}
	return fps, nil
}
