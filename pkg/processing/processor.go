package processing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/leafscan/pkg/types"
)

// ErrUnsupportedFormat is returned when no registered decoder accepts the data
var ErrUnsupportedFormat = errors.New("image: unknown or unsupported format")

// Processor handles image loading, encoding and model input preparation
type Processor struct {
	http *resty.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{
		http: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", "leafscan/1.0"),
	}
}

// LoadImageFromURL downloads and decodes an image from an http(s) URL
func (p *Processor) LoadImageFromURL(imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	resp, err := p.http.R().Get(imageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode())
	}

	contentType := resp.Header().Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	return p.DecodeBytes(resp.Body())
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := p.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, path)
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(source)
	}
	return p.LoadImage(source)
}

// DecodeBytes decodes JPEG, PNG, GIF or WebP data
func (p *Processor) DecodeBytes(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrUnsupportedFormat
	}
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, ErrUnsupportedFormat
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	data, err := p.EncodeForModel(img, format, maxDim, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeForModel downsizes img so its long side is at most maxDim and encodes it
func (p *Processor) EncodeForModel(img image.Image, format string, maxDim int, quality int) ([]byte, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	default: // jpg
		if quality <= 0 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ToTensor stretches img to size x size and returns an NCHW [1,3,size,size]
// tensor with channel values scaled to [0,1]. Stretching keeps normalized
// detector coordinates valid for the original image.
func ToTensor(img image.Image, size int) (types.InputTensor, error) {
	if size <= 0 {
		return types.InputTensor{}, fmt.Errorf("invalid tensor size %d", size)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return types.InputTensor{}, fmt.Errorf("invalid image dimensions")
	}

	resized := imaging.Resize(img, size, size, imaging.Lanczos)
	plane := size * size
	data := make([]float32, 3*plane)

	idx := 0
	for y := 0; y < size; y++ {
		i := y * resized.Stride
		for x := 0; x < size; x++ {
			data[idx] = float32(resized.Pix[i+0]) / 255.0
			data[idx+plane] = float32(resized.Pix[i+1]) / 255.0
			data[idx+2*plane] = float32(resized.Pix[i+2]) / 255.0
			idx++
			i += 4
		}
	}

	return types.InputTensor{
		Shape: []int64{1, 3, int64(size), int64(size)},
		Data:  data,
	}, nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// CreateDebugOverlay draws every detection box, the chosen crop and the
// image center onto a copy of img
func (p *Processor) CreateDebugOverlay(img image.Image, detections []types.Detection, crop *types.Crop) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	green := color.NRGBA{0, 255, 0, 255}  // best detection
	gray := color.NRGBA{160, 160, 160, 255} // other detections
	gold := color.NRGBA{255, 204, 0, 255}   // padded crop
	blue := color.NRGBA{0, 170, 255, 255}   // image center
	stroke := int(math.Max(2, 0.004*float64(minInt(w, h))))

	for i := len(detections) - 1; i >= 0; i-- {
		c := gray
		if i == 0 {
			c = green
		}
		drawRect(nrgba, detections[i].Box.ToPixels(w, h), c, stroke)
	}

	if crop != nil && !crop.PaddedRect.Empty() {
		drawRect(nrgba, crop.PaddedRect, gold, stroke)
	}

	ix, iy := w/2, h/2
	drawHLine(nrgba, iy, ix-6, ix+6, blue)
	drawVLine(nrgba, ix, iy-6, iy+6, blue)

	return nrgba
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func drawRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
