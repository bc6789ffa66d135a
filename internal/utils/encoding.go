package utils

import (
	"encoding/base64"
	"net/url"
	"strings"
)

func EncodeURIComponent(str string) string {
	return strings.ReplaceAll(url.QueryEscape(str), "+", "%20")
}

// DataURL renders data as a base64 data URL, the form the face endpoints
// accept for still frames.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// FileExtension maps a recorder container type to an upload file suffix.
func FileExtension(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(base) {
	case "video/mp4":
		return ".mp4"
	case "video/x-ivf":
		return ".ivf"
	case "video/h264":
		return ".h264"
	default:
		return ".webm"
	}
}
