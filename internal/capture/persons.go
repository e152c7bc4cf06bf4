// Package capture implements the person/face capture post-event hook:
// sampling key frames from a finalized event, running a pluggable box
// detector on each, suppressing overlapping boxes, and writing padded,
// resized crops for Event.person_images. Box detection is delegated to
// a BoxDetector interface a production wiring plugs an external model
// service into; a nil detector disables the hook.
package capture

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"orbo-violence/internal/imaging"
	"orbo-violence/internal/model"
)

// Box is a detected bounding box in frame pixel coordinates.
type Box struct {
	X, Y, W, H int
	Confidence float32
}

// BoxDetector finds person/face boxes in one frame. A nil BoxDetector
// disables the hook entirely.
type BoxDetector interface {
	Detect(ctx context.Context, frame *model.FramePacket) ([]Box, error)
}

// Config tunes the hook; zero values fall back to the defaults below.
type Config struct {
	ClipsDir      string
	MaxImages     int
	IoUThreshold  float32
	PaddingRatio  float32
	MaxSide       int
	JPEGQuality   int
}

func (c Config) withDefaults() Config {
	if c.MaxImages == 0 {
		c.MaxImages = 6
	}
	if c.IoUThreshold == 0 {
		c.IoUThreshold = 0.4
	}
	if c.PaddingRatio == 0 {
		c.PaddingRatio = 0.15
	}
	if c.MaxSide == 0 {
		c.MaxSide = 300
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 90
	}
	return c
}

// Hook runs the post-event capture step.
type Hook struct {
	cfg      Config
	detector BoxDetector
	log      zerolog.Logger
}

// New creates a Hook. detector may be nil, in which case Capture is a
// no-op (this is the default — the feature is optional).
func New(cfg Config, detector BoxDetector, log zerolog.Logger) *Hook {
	return &Hook{cfg: cfg.withDefaults(), detector: detector, log: log.With().Str("component", "person_capture").Logger()}
}

// Capture samples key_indices(frames), runs the detector on each,
// NMS-suppresses overlapping boxes, and writes up to cfg.MaxImages
// cropped JPEGs. Returns the filenames written, never an error: the
// hook is non-fatal, so any failure is logged and capture simply yields
// fewer, or zero, images.
func (h *Hook) Capture(ctx context.Context, streamID, eventID string, frames []*model.FramePacket) []string {
	if h.detector == nil || len(frames) == 0 {
		return nil
	}

	var images []string
	for _, idx := range keyIndices(len(frames)) {
		if len(images) >= h.cfg.MaxImages {
			break
		}
		frame := frames[idx]

		boxes, err := h.detector.Detect(ctx, frame)
		if err != nil {
			h.log.Warn().Err(err).Int("frame_index", idx).Msg("box detection failed")
			continue
		}
		boxes = nonMaxSuppress(boxes, h.cfg.IoUThreshold)

		for _, b := range boxes {
			if len(images) >= h.cfg.MaxImages {
				break
			}
			path, err := h.saveCrop(streamID, eventID, frame, b, len(images))
			if err != nil {
				h.log.Warn().Err(err).Msg("crop save failed")
				continue
			}
			images = append(images, path)
		}
	}
	return images
}

// keyIndices returns the sample points (0, 1/4, 1/3, 1/2, 2/3,
// near-end), deduplicated and clamped to [0, n).
func keyIndices(n int) []int {
	if n <= 0 {
		return nil
	}
	fracs := []float64{0, 0.25, 1.0 / 3, 0.5, 2.0 / 3, 1}
	seen := make(map[int]bool, len(fracs))
	var out []int
	for _, f := range fracs {
		idx := int(f * float64(n-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= n {
			idx = n - 1
		}
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	return out
}

// nonMaxSuppress greedily keeps the highest-confidence box in each
// overlapping cluster, dropping any later box whose IoU with an
// already-kept box exceeds threshold.
func nonMaxSuppress(boxes []Box, iouThreshold float32) []Box {
	sorted := make([]Box, len(boxes))
	copy(sorted, boxes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	var kept []Box
	for _, b := range sorted {
		overlaps := false
		for _, k := range kept {
			if iou(b, k) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, b)
		}
	}
	return kept
}

func iou(a, b Box) float32 {
	ix1, iy1 := max(a.X, b.X), max(a.Y, b.Y)
	ix2, iy2 := min(a.X+a.W, b.X+b.W), min(a.Y+a.H, b.Y+b.H)
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float32(iw * ih)
	union := float32(a.W*a.H+b.W*b.H) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func (h *Hook) saveCrop(streamID, eventID string, frame *model.FramePacket, b Box, index int) (string, error) {
	img := imaging.BGRToRGBA(frame.Frame, frame.Width, frame.Height)

	padW := int(float32(b.W) * h.cfg.PaddingRatio)
	padH := int(float32(b.H) * h.cfg.PaddingRatio)
	x0 := clampInt(b.X-padW, 0, frame.Width)
	y0 := clampInt(b.Y-padH, 0, frame.Height)
	x1 := clampInt(b.X+b.W+padW, 0, frame.Width)
	y1 := clampInt(b.Y+b.H+padH, 0, frame.Height)
	if x1 <= x0 || y1 <= y0 {
		return "", fmt.Errorf("capture: degenerate crop box")
	}

	cropped := img.SubImage(img.Bounds().Intersect(image.Rect(x0, y0, x1, y1)))
	resized := imaging.ResizeLongestSide(cropped, h.cfg.MaxSide)

	name := fmt.Sprintf("%s_%s_person%d.jpg", streamID, eventID, index)
	path := filepath.Join(h.cfg.ClipsDir, name)

	if err := os.MkdirAll(h.cfg.ClipsDir, 0o755); err != nil {
		return "", fmt.Errorf("capture: create clips dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("capture: create crop file: %w", err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, resized, &jpeg.Options{Quality: h.cfg.JPEGQuality}); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("capture: encode crop: %w", err)
	}
	return name, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
