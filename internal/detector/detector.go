package detector

import (
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"facegate/internal/imaging"
	"facegate/internal/logging"
	"facegate/models"
)

const (
	// DetectionWidth is the width frames are scaled to before detection.
	DetectionWidth = 320
	// ExpandRatio is how much margin is kept around a detected face.
	ExpandRatio = 0.2
)

// ============================================================
// FACE DETECTOR - cascade classifier + JPEG encoder
// ============================================================

// FaceDetector turns decoded camera frames into the JPEG snapshots sent for
// verification, cropped to the largest face when cropping is enabled.
type FaceDetector struct {
	Config models.DetectorConfig

	// CascadeClassifier is not safe for concurrent use.
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	loaded     bool
	log        zerolog.Logger
}

// NewFaceDetector loads the cascade when cropping is enabled.
func NewFaceDetector(config models.DetectorConfig) (*FaceDetector, error) {
	fd := &FaceDetector{
		Config: config,
		log:    logging.WithComponent("detector"),
	}

	if config.CropFaces {
		classifier := gocv.NewCascadeClassifier()
		if !classifier.Load(config.CascadePath) {
			classifier.Close()
			return nil, fmt.Errorf("failed to load face cascade classifier %q", config.CascadePath)
		}
		fd.classifier = classifier
		fd.loaded = true
	}

	fd.log.Info().
		Bool("crop", fd.loaded).
		Int("min_face", config.MinFaceSize).
		Int("jpeg_quality", config.JPEGQuality).
		Msg("✅ Face detector initialized")
	return fd, nil
}

// Close releases the classifier.
func (fd *FaceDetector) Close() {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.loaded {
		fd.classifier.Close()
		fd.loaded = false
	}
}

// EncodeFrame encodes f as JPEG. With cropping enabled and a face found, only
// the squared face region is kept; otherwise the full frame is sent.
func (fd *FaceDetector) EncodeFrame(f imaging.RawFrame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	img, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.BGR[:f.Width*f.Height*3])
	if err != nil {
		return nil, fmt.Errorf("NewMatFromBytes: %w", err)
	}
	defer img.Close()

	face, found := fd.detect(img)
	if !found {
		return fd.encodeJPEG(img)
	}

	region := imaging.ExpandSquare(face, img.Cols(), img.Rows(), ExpandRatio)
	cropped := img.Region(region)
	defer cropped.Close()

	square := makeSquare(cropped)
	defer square.Close()

	fd.log.Debug().Int("area", face.Dx()*face.Dy()).Msg("👤 Face cropped")
	return fd.encodeJPEG(square)
}

// detect finds the largest face on a downscaled grayscale copy and maps it
// back to img coordinates.
func (fd *FaceDetector) detect(img gocv.Mat) (image.Rectangle, bool) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if !fd.loaded || img.Empty() {
		return image.Rectangle{}, false
	}

	detection := img
	scale := 1.0
	if img.Cols() > DetectionWidth {
		scale = float64(DetectionWidth) / float64(img.Cols())
		small := gocv.NewMat()
		defer small.Close()
		gocv.Resize(img, &small, image.Pt(DetectionWidth, int(float64(img.Rows())*scale)), 0, 0, gocv.InterpolationLinear)
		detection = small
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(detection, &gray, gocv.ColorBGRToGray)

	rects := fd.classifier.DetectMultiScale(gray)
	if len(rects) == 0 {
		return image.Rectangle{}, false
	}
	for i, r := range rects {
		rects[i] = imaging.ScaleRect(r, scale)
	}

	face, ok := imaging.LargestFace(rects, fd.Config.MinFaceSize)
	if !ok {
		fd.log.Debug().Int("min_face", fd.Config.MinFaceSize).Msg("⚠️ All faces too small")
	}
	return face, ok
}

func (fd *FaceDetector) encodeJPEG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, fd.Config.JPEGQuality})
	if err != nil {
		return nil, fmt.Errorf("IMEncode failed: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// makeSquare pads mat onto a centred square canvas.
func makeSquare(mat gocv.Mat) gocv.Mat {
	w, h := mat.Cols(), mat.Rows()
	if w == h {
		return mat.Clone()
	}

	size, off := imaging.Letterbox(w, h)
	square := gocv.NewMatWithSize(size, size, mat.Type())
	roi := square.Region(image.Rect(off.X, off.Y, off.X+w, off.Y+h))
	mat.CopyTo(&roi)
	roi.Close()
	return square
}
