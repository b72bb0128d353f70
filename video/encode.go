package video

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/subprocess"
)

// Encoder launches ffmpeg processes producing MP4 variants. The zero value
// uses the ffmpeg binary on PATH.
type Encoder struct {
	FFmpegPath string
}

// EncodeSession is one running ffmpeg process. Progress carries the output
// timestamp in seconds as the encoder advances and closes when the progress
// pipe is exhausted; the caller must then Wait to reap the process.
type EncodeSession struct {
	progress chan float64

	cmd  *exec.Cmd
	tail *subprocess.Tail
	done chan struct{}
}

func (s *EncodeSession) Progress() <-chan float64 {
	return s.progress
}

// buildArgs assembles the full ffmpeg argument list for one variant. Output
// settings are fixed per preset: H.264 at CRF 23 with the preset bitrate as
// VBV ceiling, AAC audio, faststart MP4. Progress events go to stdout so
// stderr stays pure diagnostics.
func buildArgs(inputPath, outputPath string, p Preset) []string {
	return ffmpeg.Input(inputPath).
		Output(outputPath, ffmpeg.KwArgs{
			"c:v":      "libx264",
			"preset":   "medium",
			"crf":      "23",
			"b:v":      p.videoBitrate(),
			"maxrate":  p.videoBitrate(),
			"bufsize":  p.bufSize(),
			"vf":       p.scaleFilter(),
			"c:a":      "aac",
			"b:a":      p.audioBitrate(),
			"ar":       strconv.Itoa(p.AudioSampleRate),
			"movflags": "+faststart",
		}).
		GlobalArgs("-progress", "pipe:1", "-nostats").
		OverWriteOutput().
		GetArgs()
}

// Start launches ffmpeg transcoding inputPath to outputPath with the given
// preset. requestID scopes the session's log lines.
func (e Encoder) Start(requestID, inputPath, outputPath string, p Preset) (*EncodeSession, error) {
	bin := e.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, buildArgs(inputPath, outputPath, p)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening ffmpeg stderr: %w", err)
	}

	session := &EncodeSession{
		progress: make(chan float64, 16),
		cmd:      cmd,
		tail:     subprocess.NewTail(4096),
		done:     make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	go func() {
		defer close(session.progress)
		parseProgress(stdout, session.progress)
	}()
	go subprocess.Stream(requestID, "ffmpeg", stderr, session.tail)

	return session, nil
}

// Wait reaps the process. Call it exactly once, after Progress closes or
// after Terminate.
func (s *EncodeSession) Wait() error {
	err := s.cmd.Wait()
	close(s.done)
	return err
}

// StderrTail returns the retained end of the encoder's stderr, for failure
// messages.
func (s *EncodeSession) StderrTail() string {
	return strings.TrimSpace(s.tail.String())
}

// Terminate asks the encoder to stop with SIGTERM and escalates to SIGKILL
// if it has not exited within the grace period. Non-blocking; the caller
// still owns Wait.
func (s *EncodeSession) Terminate() {
	if s.cmd.Process == nil {
		return
	}
	s.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-s.done:
		case <-time.After(config.EncoderTermGrace):
			s.cmd.Process.Kill()
		}
	}()
}

// parseProgress consumes ffmpeg's key=value progress stream. out_time_us and
// out_time_ms both carry microseconds, so either converts to seconds the
// same way.
func parseProgress(r io.Reader, out chan<- float64) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || us < 0 {
				continue
			}
			out <- float64(us) / 1e6
		}
	}
}
