// Package preprocessing turns leaf photographs into normalized CHW tensors,
// with a random augmentation pipeline for training and a deterministic one
// for validation and inference.
package preprocessing

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"math/rand/v2"
	"os"

	"github.com/agrisense/agroml/mlerr"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	_ "golang.org/x/image/webp"
)

// Channels is the number of color channels every tensor carries.
const Channels = 3

// ImageNet statistics used to normalize each channel.
var (
	DefaultMean = [Channels]float64{0.485, 0.456, 0.406}
	DefaultStd  = [Channels]float64{0.229, 0.224, 0.225}
)

// Config parameterizes both pipelines. Jitter amounts follow the usual
// convention: a factor is drawn from [1-x, 1+x], hue shifts from [-Hue, Hue]
// of a full turn.
type Config struct {
	ImageSize       int               `json:"image_size"`
	ResizeSize      int               `json:"resize_size"`
	Mean            [Channels]float64 `json:"mean"`
	Std             [Channels]float64 `json:"std"`
	Rotation        float64           `json:"rotation_degrees"`
	Brightness      float64           `json:"brightness"`
	Contrast        float64           `json:"contrast"`
	Saturation      float64           `json:"saturation"`
	Hue             float64           `json:"hue"`
	FlipProbability float64           `json:"flip_probability"`
}

// DefaultConfig returns the 224/256 pipeline with ImageNet normalization.
func DefaultConfig() Config {
	return Config{
		ImageSize:       224,
		ResizeSize:      256,
		Mean:            DefaultMean,
		Std:             DefaultStd,
		Rotation:        15,
		Brightness:      0.2,
		Contrast:        0.2,
		Saturation:      0.2,
		Hue:             0.1,
		FlipProbability: 0.5,
	}
}

// Validate checks sizes and normalization constants.
func (c Config) Validate() error {
	if c.ImageSize <= 0 || c.ResizeSize < c.ImageSize {
		return fmt.Errorf("%w: resize size %d must be >= image size %d > 0",
			mlerr.ErrInvalidArgument, c.ResizeSize, c.ImageSize)
	}
	for i, s := range c.Std {
		if s <= 0 {
			return fmt.Errorf("%w: std of channel %d must be positive", mlerr.ErrInvalidArgument, i)
		}
	}
	if c.Hue < 0 || c.Hue > 0.5 {
		return fmt.Errorf("%w: hue jitter %v outside [0, 0.5]", mlerr.ErrInvalidArgument, c.Hue)
	}
	return nil
}

// TensorSize is the length of every tensor the pipeline produces.
func (c Config) TensorSize() int {
	return Channels * c.ImageSize * c.ImageSize
}

// Pipeline applies the configured transforms. It holds no mutable state and
// is safe for concurrent use.
type Pipeline struct {
	cfg Config
}

// NewPipeline validates cfg.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg}, nil
}

func (p *Pipeline) Config() Config { return p.cfg }

// Eval resizes img to ResizeSize², center-crops ImageSize² and returns the
// normalized CHW tensor.
func (p *Pipeline) Eval(img image.Image) []float64 {
	resized := resize(img, p.cfg.ResizeSize)
	off := (p.cfg.ResizeSize - p.cfg.ImageSize) / 2
	cropped := crop(resized, off, off, p.cfg.ImageSize)
	t := ToTensor(cropped)
	p.Normalize(t)
	return t
}

// Train applies resize, random crop, random horizontal flip, random rotation
// and color jitter, then normalizes. All randomness comes from rng.
func (p *Pipeline) Train(img image.Image, rng *rand.Rand) []float64 {
	resized := resize(img, p.cfg.ResizeSize)
	span := p.cfg.ResizeSize - p.cfg.ImageSize + 1
	out := crop(resized, rng.IntN(span), rng.IntN(span), p.cfg.ImageSize)
	if rng.Float64() < p.cfg.FlipProbability {
		flipHorizontal(out)
	}
	if p.cfg.Rotation > 0 {
		out = rotate(out, (rng.Float64()*2-1)*p.cfg.Rotation)
	}
	t := ToTensor(out)
	p.jitter(t, rng)
	p.Normalize(t)
	return t
}

// Normalize applies (x-mean)/std per channel to a CHW tensor in place.
func (p *Pipeline) Normalize(chw []float64) {
	plane := len(chw) / Channels
	for c := 0; c < Channels; c++ {
		m, s := p.cfg.Mean[c], p.cfg.Std[c]
		for i := c * plane; i < (c+1)*plane; i++ {
			chw[i] = (chw[i] - m) / s
		}
	}
}

// CheckTensor validates an already preprocessed tensor with the given channel
// count against the pipeline's output shape.
func (p *Pipeline) CheckTensor(chw []float64, channels int) error {
	if channels != Channels {
		return fmt.Errorf("%w: expected %d channels, got %d", mlerr.ErrInvalidArgument, Channels, channels)
	}
	if len(chw) != p.cfg.TensorSize() {
		return fmt.Errorf("%w: expected %d values (%dx%dx%d), got %d", mlerr.ErrInvalidArgument,
			p.cfg.TensorSize(), Channels, p.cfg.ImageSize, p.cfg.ImageSize, len(chw))
	}
	return nil
}

// Decode reads a JPEG, PNG, GIF, BMP or WebP image and converts it to RGBA.
// Grayscale and palette images become three equal channels.
func Decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", mlerr.ErrInvalidArgument, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty %s image", mlerr.ErrInvalidArgument, format)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return rgba, nil
}

// DecodeFile opens and decodes path.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// ToTensor converts img to RGB values in [0,1], laid out channel-major.
func ToTensor(img image.Image) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float64, Channels*plane)
	rgba, ok := img.(*image.RGBA)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl float64
			if ok {
				px := rgba.RGBAAt(b.Min.X+x, b.Min.Y+y)
				r, g, bl = float64(px.R)/255, float64(px.G)/255, float64(px.B)/255
			} else {
				cr, cg, cb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				r, g, bl = float64(cr)/65535, float64(cg)/65535, float64(cb)/65535
			}
			i := y*w + x
			out[i] = r
			out[plane+i] = g
			out[2*plane+i] = bl
		}
	}
	return out
}

func resize(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func crop(img *image.RGBA, x, y, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Copy(dst, image.Point{}, img, image.Rect(x, y, x+size, y+size), draw.Src, nil)
	return dst
}

func flipHorizontal(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for l, r := b.Min.X, b.Max.X-1; l < r; l, r = l+1, r-1 {
			a, c := img.RGBAAt(l, y), img.RGBAAt(r, y)
			img.SetRGBA(l, y, c)
			img.SetRGBA(r, y, a)
		}
	}
}

// rotate turns img by deg degrees around its center. Uncovered corners stay black.
func rotate(img *image.RGBA, deg float64) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.Black), image.Point{}, draw.Src)

	sin, cos := math.Sincos(deg * math.Pi / 180)
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	s2d := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(dst, s2d, img, b, draw.Src, nil)
	return dst
}

// jitter perturbs brightness, contrast, saturation and hue of a [0,1] CHW tensor.
func (p *Pipeline) jitter(chw []float64, rng *rand.Rand) {
	plane := len(chw) / Channels
	r, g, b := chw[:plane], chw[plane:2*plane], chw[2*plane:]

	factor := func(amount float64) float64 {
		if amount <= 0 {
			return 1
		}
		return 1 - amount + 2*amount*rng.Float64()
	}
	brightness := factor(p.cfg.Brightness)
	contrast := factor(p.cfg.Contrast)
	saturation := factor(p.cfg.Saturation)
	hue := 0.0
	if p.cfg.Hue > 0 {
		hue = (rng.Float64()*2 - 1) * p.cfg.Hue
	}

	var meanGray float64
	for i := 0; i < plane; i++ {
		r[i], g[i], b[i] = clamp01(r[i]*brightness), clamp01(g[i]*brightness), clamp01(b[i]*brightness)
		meanGray += gray(r[i], g[i], b[i])
	}
	meanGray /= float64(plane)

	for i := 0; i < plane; i++ {
		rv := clamp01((r[i]-meanGray)*contrast + meanGray)
		gv := clamp01((g[i]-meanGray)*contrast + meanGray)
		bv := clamp01((b[i]-meanGray)*contrast + meanGray)

		l := gray(rv, gv, bv)
		rv = clamp01((rv-l)*saturation + l)
		gv = clamp01((gv-l)*saturation + l)
		bv = clamp01((bv-l)*saturation + l)

		if hue != 0 {
			h, s, v := rgbToHSV(rv, gv, bv)
			h = math.Mod(h+hue+1, 1)
			rv, gv, bv = hsvToRGB(h, s, v)
		}
		r[i], g[i], b[i] = rv, gv, bv
	}
}

func gray(r, g, b float64) float64 { return 0.299*r + 0.587*g + 0.114*b }

func clamp01(v float64) float64 { return math.Min(1, math.Max(0, v)) }

func rgbToHSV(r, g, b float64) (h, s, v float64) {
	maxc := math.Max(r, math.Max(g, b))
	minc := math.Min(r, math.Min(g, b))
	v = maxc
	delta := maxc - minc
	if maxc == 0 || delta == 0 {
		return 0, 0, v
	}
	s = delta / maxc
	switch maxc {
	case r:
		h = (g - b) / delta
	case g:
		h = 2 + (b-r)/delta
	default:
		h = 4 + (r-g)/delta
	}
	h /= 6
	if h < 0 {
		h++
	}
	return h, s, v
}

func hsvToRGB(h, s, v float64) (r, g, b float64) {
	if s == 0 {
		return v, v, v
	}
	h6 := h * 6
	i := math.Floor(h6)
	f := h6 - i
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))
	switch int(i) % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}
