// Package clip implements the Clip Recorder: encoding the frames
// an Event's pre-roll/in-event/post-roll window collected into an H.264
// MP4 file plus a JPEG thumbnail. Encoding shells out to ffmpeg, piping
// raw BGR24 frames over stdin.
package clip

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"orbo-violence/internal/imaging"
	"orbo-violence/internal/model"
)

// Config configures where clips land and which ffmpeg binary encodes them.
type Config struct {
	ClipsDir         string
	FFmpegPath       string
	ThumbnailQuality int
}

// Result is what a successful Record call produces.
type Result struct {
	ClipPath      string
	ClipDuration  float64
	ThumbnailPath string
}

// Recorder turns a frame window into a persisted clip + thumbnail.
type Recorder struct {
	cfg Config
	log zerolog.Logger
}

// New creates a Recorder. Defaults FFmpegPath to "ffmpeg" and
// ThumbnailQuality to 85 when unset.
func New(cfg Config, log zerolog.Logger) *Recorder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.ThumbnailQuality == 0 {
		cfg.ThumbnailQuality = 85
	}
	return &Recorder{cfg: cfg, log: log.With().Str("component", "clip_recorder").Logger()}
}

// Record encodes frames (already ordered oldest-first, deduped by the
// Event Detector) into {stream_id}_{event_id}_{UTC timestamp}.mp4 with
// H.264/yuv420p + faststart, and a middle-frame JPEG thumbnail.
//
// On ffmpeg failure, any partial output files are removed and an error
// is returned; the caller finalizes the Event without a clip path rather
// than treating this as fatal.
func (r *Recorder) Record(ctx context.Context, streamID, eventID string, frames []*model.FramePacket, targetFPS int) (Result, error) {
	if len(frames) == 0 {
		return Result{}, fmt.Errorf("clip: no frames to encode")
	}
	if targetFPS <= 0 {
		targetFPS = 5
	}

	width, height := frames[0].Width, frames[0].Height
	base := fmt.Sprintf("%s_%s_%s", streamID, eventID, time.Now().UTC().Format("20060102_150405"))
	clipPath := filepath.Join(r.cfg.ClipsDir, base+".mp4")
	thumbPath := filepath.Join(r.cfg.ClipsDir, base+"_thumb.jpg")

	if err := os.MkdirAll(r.cfg.ClipsDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("clip: create clips dir: %w", err)
	}

	if err := r.encode(ctx, clipPath, frames, width, height, targetFPS); err != nil {
		os.Remove(clipPath)
		return Result{}, fmt.Errorf("clip: encode: %w", err)
	}

	if err := r.writeThumbnail(thumbPath, frames[len(frames)/2]); err != nil {
		r.log.Warn().Err(err).Msg("thumbnail generation failed, clip kept")
		thumbPath = ""
	}

	return Result{
		ClipPath:      clipPath,
		ClipDuration:  float64(len(frames)) / float64(targetFPS),
		ThumbnailPath: thumbPath,
	}, nil
}

func (r *Recorder) encode(ctx context.Context, outPath string, frames []*model.FramePacket, width, height, fps int) error {
	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", fmt.Sprintf("%d", fps),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outPath,
	}
	cmd := exec.CommandContext(ctx, r.cfg.FFmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	var stderrBuf bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrBuf.WriteString(scanner.Text())
			stderrBuf.WriteByte('\n')
		}
	}()

	writeErr := make(chan error, 1)
	go func() {
		for _, f := range frames {
			if _, err := stdin.Write(f.Frame); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- stdin.Close()
	}()

	werr := <-writeErr
	<-stderrDone
	waitErr := cmd.Wait()

	if waitErr != nil {
		return fmt.Errorf("ffmpeg exited: %w: %s", waitErr, stderrBuf.String())
	}
	if werr != nil && werr != io.EOF {
		return fmt.Errorf("write frames: %w", werr)
	}
	return nil
}

func (r *Recorder) writeThumbnail(path string, frame *model.FramePacket) error {
	img := imaging.BGRToRGBA(frame.Frame, frame.Width, frame.Height)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create thumbnail: %w", err)
	}
	defer f.Close()

	return jpeg.Encode(f, img, &jpeg.Options{Quality: r.cfg.ThumbnailQuality})
}
