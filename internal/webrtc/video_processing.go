package webrtc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"facegate/internal/imaging"
)

// Recorded container types, one per negotiated codec.
const (
	MimeIVF  = "video/x-ivf;codecs=vp8"
	MimeH264 = "video/h264"
)

const decodeTimeout = 2 * time.Second

var errUnsupportedCodec = errors.New("unsupported video codec")

// containerFor maps a track codec to the container its recording produces.
func containerFor(codec string) string {
	switch {
	case strings.EqualFold(codec, webrtc.MimeTypeVP8):
		return MimeIVF
	case strings.EqualFold(codec, webrtc.MimeTypeH264):
		return MimeH264
	default:
		return ""
	}
}

// ============================================================
// VP8 KEYFRAME DETECTION
// ============================================================

func isVP8Keyframe(frame []byte) bool {
	if len(frame) < 10 {
		return false
	}
	// bit 0 of the frame tag is 0 for key frames
	if frame[0]&0x1 != 0 {
		return false
	}
	return frame[3] == 0x9d && frame[4] == 0x01 && frame[5] == 0x2a
}

// ============================================================
// VP8 DIMENSION EXTRACTION
// ============================================================

func getVP8KeyframeDims(frame []byte) (int, int, error) {
	if !isVP8Keyframe(frame) {
		return 0, 0, fmt.Errorf("not a vp8 keyframe (%d bytes)", len(frame))
	}

	width := int(binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF)
	height := int(binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF)

	if width == 0 || height == 0 {
		return 0, 0, fmt.Errorf("zero dimension: %dx%d", width, height)
	}
	if width > 3840 || height > 2160 {
		return 0, 0, fmt.Errorf("dimension too large: %dx%d", width, height)
	}
	return width, height, nil
}

// ============================================================
// H264 KEYFRAME DETECTION
// ============================================================

// isH264Keyframe reports whether an Annex B access unit holds an IDR slice
// together with its SPS, which is what a standalone decode needs.
func isH264Keyframe(au []byte) bool {
	var idr, sps bool
	for _, nal := range splitAnnexB(au) {
		switch nal[0] & 0x1F {
		case 5:
			idr = true
		case 7:
			sps = true
		}
	}
	return idr && sps
}

func splitAnnexB(au []byte) [][]byte {
	var nals [][]byte
	start := -1
	for i := 0; i+2 < len(au); i++ {
		if au[i] != 0 || au[i+1] != 0 || au[i+2] != 1 {
			continue
		}
		if start >= 0 {
			end := i
			if end > start && au[end-1] == 0 {
				end--
			}
			if end > start {
				nals = append(nals, au[start:end])
			}
		}
		start = i + 3
		i += 2
	}
	if start >= 0 && start < len(au) {
		nals = append(nals, au[start:])
	}
	return nals
}

// ============================================================
// IVF DATA CREATION
// ============================================================

// createIVFData wraps one VP8 frame into a single-frame IVF file.
func createIVFData(frameData []byte, width, height int) []byte {
	out := make([]byte, 32+12, 32+12+len(frameData))

	copy(out[0:4], "DKIF")
	binary.LittleEndian.PutUint16(out[4:6], 0)  // version
	binary.LittleEndian.PutUint16(out[6:8], 32) // header size
	copy(out[8:12], "VP80")
	binary.LittleEndian.PutUint16(out[12:14], uint16(width))
	binary.LittleEndian.PutUint16(out[14:16], uint16(height))
	binary.LittleEndian.PutUint32(out[16:20], 30) // timebase denominator
	binary.LittleEndian.PutUint32(out[20:24], 1)  // timebase numerator
	binary.LittleEndian.PutUint32(out[24:28], 1)  // frame count

	binary.LittleEndian.PutUint32(out[32:36], uint32(len(frameData)))

	return append(out, frameData...)
}

// ============================================================
// FFMPEG DECODE
// ============================================================

// decodeFFmpeg turns one keyframe into a BGR24 frame no larger than the
// configured decode box. H264 frames carry no cheap size header, so they
// are letterboxed into the full box.
func (d *Device) decodeFFmpeg(ctx context.Context, mimeType string, frame []byte) (imaging.RawFrame, error) {
	maxW, maxH := d.cfg.MaxDecodeWidth, d.cfg.MaxDecodeHeight

	var (
		input  []byte
		format string
		filter string
		outW   int
		outH   int
	)
	switch mimeType {
	case MimeIVF:
		w, h, err := getVP8KeyframeDims(frame)
		if err != nil {
			return imaging.RawFrame{}, fmt.Errorf("parse dims: %w", err)
		}
		outW, outH = imaging.DecodeSize(w, h, maxW, maxH)
		input, format = createIVFData(frame, w, h), "ivf"
		if outW != w || outH != h {
			filter = fmt.Sprintf("scale=%d:%d:flags=fast_bilinear", outW, outH)
		}
	case MimeH264:
		outW, outH = maxW, maxH
		input, format = frame, "h264"
		filter = fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease:flags=fast_bilinear,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
			maxW, maxH, maxW, maxH)
	default:
		return imaging.RawFrame{}, fmt.Errorf("%w: %s", errUnsupportedCodec, mimeType)
	}

	args := []string{
		"-loglevel", "error",
		"-nostdin",
		"-f", format,
		"-i", "pipe:0",
	}
	if filter != "" {
		args = append(args, "-vf", filter)
	}
	args = append(args,
		"-frames:v", "1",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-threads", "1",
		"pipe:1",
	)

	ctx, cancel := context.WithTimeout(ctx, decodeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.cfg.FFmpegPath, args...)

	buf := d.pool.Get()
	defer d.pool.Put(buf)

	var stderrBuf bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = buf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		stderr := stderrBuf.String()
		if len(stderr) > 200 {
			stderr = stderr[:200] + "..."
		}
		return imaging.RawFrame{}, fmt.Errorf("decode: %w (%s)", err, stderr)
	}

	expectedSize := outW * outH * 3
	if buf.Len() < expectedSize {
		return imaging.RawFrame{}, fmt.Errorf("short frame: %d < %d", buf.Len(), expectedSize)
	}

	// Copy out so the pooled buffer can be reused.
	pixels := make([]byte, expectedSize)
	copy(pixels, buf.Bytes()[:expectedSize])

	return imaging.RawFrame{Width: outW, Height: outH, BGR: pixels}, nil
}
