package bundle

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/stampwise/loyalty/wallet-sync/internal/passcontent"
)

// assetSpec is one raster asset the bundle must carry.
type assetSpec struct {
	Name   string
	Width  int
	Height int
}

var assetSpecs = []assetSpec{
	{Name: "icon.png", Width: 29, Height: 29},
	{Name: "icon@2x.png", Width: 58, Height: 58},
	{Name: "icon@3x.png", Width: 87, Height: 87},
	{Name: "logo.png", Width: 160, Height: 50},
	{Name: "logo@2x.png", Width: 320, Height: 100},
	{Name: "logo@3x.png", Width: 480, Height: 150},
}

// placeholderPNG is an embedded 1x1 PNG used when rendering fails.
var placeholderPNG = mustDecode("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

type renderFunc func(spec assetSpec, background, foreground string) ([]byte, error)

// renderSolid draws the background colour with a centred foreground block.
func renderSolid(spec assetSpec, background, foreground string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, spec.Width, spec.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: toRGBA(background)}, image.Point{}, draw.Src)

	side := spec.Height / 2
	if spec.Width < spec.Height {
		side = spec.Width / 2
	}
	if side > 0 {
		x0 := (spec.Width - side) / 2
		if spec.Width > spec.Height {
			// logos keep the mark to the left like the wallet layout
			x0 = spec.Height / 4
		}
		y0 := (spec.Height - side) / 2
		mark := image.Rect(x0, y0, x0+side, y0+side)
		draw.Draw(img, mark, &image.Uniform{C: toRGBA(foreground)}, image.Point{}, draw.Src)
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toRGBA(hex string) color.RGBA {
	r, g, b := passcontent.RGB(hex)
	return color.RGBA{R: r, G: g, B: b, A: 0xFF}
}

// renderAssets never fails: a broken renderer yields the placeholder.
func renderAssets(render renderFunc, background, foreground string) (map[string][]byte, []string) {
	out := make(map[string][]byte, len(assetSpecs))
	var degraded []string
	for _, spec := range assetSpecs {
		data, err := safeRender(render, spec, background, foreground)
		if err != nil || len(data) == 0 {
			data = placeholderPNG
			degraded = append(degraded, spec.Name)
		}
		out[spec.Name] = data
	}
	return out, degraded
}

func safeRender(render renderFunc, spec assetSpec, background, foreground string) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, errRenderPanic
		}
	}()
	return render(spec, background, foreground)
}
