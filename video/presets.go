package video

import (
	"fmt"
	"sort"
)

// Preset is the fixed tuple of encoder parameters for a target height. The
// scaler fits the source inside Width x Height preserving aspect ratio, then
// pads the shorter axis with black to hit the exact dimensions. Peak bitrate
// equals the target bitrate; VBV buffer is twice the target.
type Preset struct {
	Height           int
	Width            int
	VideoBitrateKbps int
	AudioBitrateKbps int
	AudioSampleRate  int
}

var presets = map[int]Preset{
	480:  {Height: 480, Width: 854, VideoBitrateKbps: 1000, AudioBitrateKbps: 128, AudioSampleRate: 44100},
	720:  {Height: 720, Width: 1280, VideoBitrateKbps: 2500, AudioBitrateKbps: 192, AudioSampleRate: 44100},
	1080: {Height: 1080, Width: 1920, VideoBitrateKbps: 5000, AudioBitrateKbps: 256, AudioSampleRate: 44100},
}

// PresetFor returns the preset for a target height.
func PresetFor(quality int) (Preset, bool) {
	p, ok := presets[quality]
	return p, ok
}

// ValidQualities lists the recognized target heights, ascending.
func ValidQualities() []int {
	qualities := make([]int, 0, len(presets))
	for q := range presets {
		qualities = append(qualities, q)
	}
	sort.Ints(qualities)
	return qualities
}

func (p Preset) videoBitrate() string {
	return fmt.Sprintf("%dk", p.VideoBitrateKbps)
}

func (p Preset) bufSize() string {
	return fmt.Sprintf("%dk", p.VideoBitrateKbps*2)
}

func (p Preset) audioBitrate() string {
	return fmt.Sprintf("%dk", p.AudioBitrateKbps)
}

func (p Preset) scaleFilter() string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		p.Width, p.Height, p.Width, p.Height)
}
