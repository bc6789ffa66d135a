package utils

import (
	"fmt"
	"strings"
)

// BitrateHints asks the sending browser for a video bitrate range in kbps.
// A zero field leaves that hint out.
type BitrateHints struct {
	AS    int // session bandwidth line
	MinKB int
	MaxKB int
}

func (h BitrateHints) googleParams() string {
	if h.MinKB <= 0 || h.MaxKB <= 0 {
		return ""
	}
	return fmt.Sprintf("x-google-min-bitrate=%d;x-google-max-bitrate=%d;x-google-start-bitrate=%d",
		h.MinKB, h.MaxKB, (h.MinKB+h.MaxKB)/2)
}

// Apply patches the video section of an answer. VP8 gets a new fmtp line
// after its rtpmap; H264 already carries one, so the hints are appended to
// it. Line endings are kept as found.
func (h BitrateHints) Apply(sdp string) string {
	eol := "\n"
	if strings.Contains(sdp, "\r\n") {
		eol = "\r\n"
	}
	params := h.googleParams()

	lines := strings.Split(strings.TrimSuffix(sdp, eol), eol)
	out := make([]string, 0, len(lines)+4)
	inVideo := false
	h264 := map[string]bool{}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "m="):
			inVideo = strings.HasPrefix(line, "m=video")
			out = append(out, line)
			if inVideo && h.AS > 0 {
				out = append(out, fmt.Sprintf("b=AS:%d", h.AS))
			}

		case inVideo && params != "" && strings.HasPrefix(line, "a=rtpmap:"):
			out = append(out, line)
			pt, codec, _ := strings.Cut(strings.TrimPrefix(line, "a=rtpmap:"), " ")
			switch {
			case strings.HasPrefix(codec, "VP8/"):
				out = append(out, fmt.Sprintf("a=fmtp:%s %s;max-fr=30;max-fs=3600", pt, params))
			case strings.HasPrefix(codec, "H264/"):
				h264[pt] = true
			}

		case inVideo && params != "" && strings.HasPrefix(line, "a=fmtp:"):
			pt, _, _ := strings.Cut(strings.TrimPrefix(line, "a=fmtp:"), " ")
			if h264[pt] {
				line += ";" + params
			}
			out = append(out, line)

		default:
			out = append(out, line)
		}
	}

	patched := strings.Join(out, eol)
	if strings.HasSuffix(sdp, eol) {
		patched += eol
	}
	return patched
}
