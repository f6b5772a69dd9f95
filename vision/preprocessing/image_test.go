package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"testing"

	"github.com/agrisense/agroml/mlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.ImageSize = 24
	cfg.ResizeSize = 32
	return cfg
}

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 90, A: 255})
		}
	}
	return img
}

func TestPipelinesProduceFixedShape(t *testing.T) {
	p, err := NewPipeline(smallConfig())
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(1, 2))

	for _, size := range [][2]int{{10, 10}, {64, 17}, {17, 64}, {300, 200}} {
		img := gradient(size[0], size[1])
		assert.Len(t, p.Eval(img), 3*24*24, "eval %v", size)
		assert.Len(t, p.Train(img, rng), 3*24*24, "train %v", size)
	}
}

func TestEvalIsDeterministicAndNormalized(t *testing.T) {
	p, err := NewPipeline(smallConfig())
	require.NoError(t, err)

	leaf := color.RGBA{R: 34, G: 139, B: 34, A: 255}
	out := p.Eval(uniform(50, 40, leaf))
	assert.Equal(t, out, p.Eval(uniform(50, 40, leaf)))

	plane := 24 * 24
	want := []float64{
		(34.0/255 - DefaultMean[0]) / DefaultStd[0],
		(139.0/255 - DefaultMean[1]) / DefaultStd[1],
		(34.0/255 - DefaultMean[2]) / DefaultStd[2],
	}
	for c := 0; c < 3; c++ {
		for _, i := range []int{0, plane / 2, plane - 1} {
			assert.InDelta(t, want[c], out[c*plane+i], 0.02)
		}
	}
}

func TestTrainIsReproduciblePerSeed(t *testing.T) {
	p, err := NewPipeline(smallConfig())
	require.NoError(t, err)
	img := gradient(40, 40)

	a := p.Train(img, rand.New(rand.NewPCG(5, 5)))
	b := p.Train(img, rand.New(rand.NewPCG(5, 5)))
	c := p.Train(img, rand.New(rand.NewPCG(6, 6)))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, p.Eval(img), a)
}

func TestFlipHorizontal(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 1, A: 255})
	img.SetRGBA(2, 0, color.RGBA{R: 3, A: 255})
	flipHorizontal(img)
	assert.Equal(t, uint8(3), img.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(1), img.RGBAAt(2, 0).R)
}

func TestRotateKeepsCenter(t *testing.T) {
	img := uniform(21, 21, color.RGBA{R: 200, G: 10, B: 10, A: 255})
	out := rotate(img, 45)
	assert.Equal(t, img.Bounds(), out.Bounds())
	center := out.RGBAAt(10, 10)
	assert.InDelta(t, 200, int(center.R), 2)
	corner := out.RGBAAt(0, 0)
	assert.Equal(t, uint8(0), corner.R, "uncovered corners are black")
}

func TestHSVRoundTrip(t *testing.T) {
	for _, c := range [][3]float64{{0.1, 0.5, 0.9}, {1, 0, 0}, {0.3, 0.3, 0.3}, {0, 0.7, 0.2}} {
		h, s, v := rgbToHSV(c[0], c[1], c[2])
		r, g, b := hsvToRGB(h, s, v)
		assert.InDelta(t, c[0], r, 1e-12)
		assert.InDelta(t, c[1], g, 1e-12)
		assert.InDelta(t, c[2], b, 1e-12)
	}
}

func TestDecodeFormats(t *testing.T) {
	img := gradient(12, 9)
	encoders := map[string]func(*bytes.Buffer) error{
		"png":  func(b *bytes.Buffer) error { return png.Encode(b, img) },
		"jpeg": func(b *bytes.Buffer) error { return jpeg.Encode(b, img, nil) },
		"bmp":  func(b *bytes.Buffer) error { return bmp.Encode(b, img) },
	}
	for name, enc := range encoders {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, enc(&buf))
			got, err := Decode(&buf)
			require.NoError(t, err)
			assert.Equal(t, 12, got.Bounds().Dx())
			assert.Equal(t, 9, got.Bounds().Dy())
		})
	}

	_, err := Decode(bytes.NewReader([]byte("not an image")))
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}

func TestGrayImagesBecomeThreeChannels(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range g.Pix {
		g.Pix[i] = 128
	}
	out := ToTensor(g)
	require.Len(t, out, 3*16)
	assert.InDelta(t, out[0], out[16], 1e-12)
	assert.InDelta(t, out[0], out[32], 1e-12)
}

func TestDecodeConvertsToRGBA(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 3, 2))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(40 * i)
	}
	pal := image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.RGBA{R: 200, G: 30, B: 10, A: 255}})

	for name, src := range map[string]image.Image{"gray": gray, "palette": pal} {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, src))
		img, err := Decode(&buf)
		require.NoError(t, err, name)
		rgba, ok := img.(*image.RGBA)
		require.True(t, ok, name)
		assert.Equal(t, src.Bounds(), rgba.Bounds(), name)
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gray))
	img, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 200, G: 200, B: 200, A: 255}, img.(*image.RGBA).RGBAAt(2, 1))
}

func TestCheckTensor(t *testing.T) {
	p, err := NewPipeline(smallConfig())
	require.NoError(t, err)
	assert.NoError(t, p.CheckTensor(make([]float64, 3*24*24), 3))
	assert.ErrorIs(t, p.CheckTensor(make([]float64, 4*24*24), 4), mlerr.ErrInvalidArgument)
	assert.ErrorIs(t, p.CheckTensor(make([]float64, 3*20*20), 3), mlerr.ErrInvalidArgument)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResizeSize = 100
	_, err := NewPipeline(cfg)
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)

	cfg = DefaultConfig()
	cfg.Std[1] = 0
	assert.ErrorIs(t, cfg.Validate(), mlerr.ErrInvalidArgument)
}
