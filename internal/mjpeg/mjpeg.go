// Package mjpeg serves live previews straight off a stream's ring
// buffer: a multipart/x-mixed-replace MJPEG loop and a single-frame JPEG
// snapshot. The preview polls the one shared ring buffer at the
// client's requested FPS; it is a reader of the buffer, not a second
// frame fan-out.
package mjpeg

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"orbo-violence/internal/imaging"
	"orbo-violence/internal/model"
)

// FrameSource is the slice of a running pipeline the preview needs.
type FrameSource interface {
	LatestFrame() *model.FramePacket
}

const (
	minFPS         = 1
	maxFPS         = 30
	defaultFPS     = 10
	previewQuality = 80
)

// ServeStream writes an MJPEG multipart stream until the client goes
// away. Each part repeats no frame: a tick where the buffer still holds
// the previously-sent frame number is skipped. While the source has not
// yet produced any frame, a "connecting" placeholder is emitted
// instead.
func ServeStream(w http.ResponseWriter, r *http.Request, src FrameSource, width, height int) {
	fps := clampFPS(r.URL.Query().Get("fps"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	placeholder := placeholderJPEG(width, height)

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var lastSent uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pkt := src.LatestFrame()
			if pkt == nil {
				if err := writePart(w, placeholder); err != nil {
					return
				}
				flusher.Flush()
				continue
			}
			if pkt.FrameNumber == lastSent {
				continue
			}

			data, err := encodeJPEG(pkt)
			if err != nil {
				continue
			}
			lastSent = pkt.FrameNumber
			if err := writePart(w, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServeSnapshot writes the most recent buffered frame as one JPEG, or
// 503 when the source has produced nothing yet.
func ServeSnapshot(w http.ResponseWriter, _ *http.Request, src FrameSource) {
	pkt := src.LatestFrame()
	if pkt == nil {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}

	data, err := encodeJPEG(pkt)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func clampFPS(raw string) int {
	fps := defaultFPS
	if raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			fps = v
		}
	}
	if fps < minFPS {
		fps = minFPS
	}
	if fps > maxFPS {
		fps = maxFPS
	}
	return fps
}

// writePart emits one multipart frame:
// --frame\r\nContent-Type: image/jpeg\r\n\r\n<bytes>\r\n
func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\r\n")
	return err
}

func encodeJPEG(pkt *model.FramePacket) ([]byte, error) {
	img := imaging.BGRToRGBA(pkt.Frame, pkt.Width, pkt.Height)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: previewQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// placeholderJPEG renders a dark frame labeled "connecting..." for
// clients that attach before the stream produces frames.
func placeholderJPEG(width, height int) []byte {
	if width <= 0 || height <= 0 {
		width, height = 640, 360
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 0x20, 0x20, 0x20, 0xff
	}

	label := "connecting..."
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{0xcc, 0xcc, 0xcc, 0xff}),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(width/2 - len(label)*7/2), Y: fixed.I(height / 2)},
	}
	d.DrawString(label)

	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: previewQuality})
	return buf.Bytes()
}
