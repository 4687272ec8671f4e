// Package render draws recipe cards with an embedded QR code.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/disintegration/imaging"
	"github.com/skip2/go-qrcode"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"voicecard/internal/recipe"
	"voicecard/internal/stage"
)

// Card geometry.
const (
	CardWidth  = 600
	CardHeight = 800
	QRSize     = 100
	qrMargin   = 130

	qrLabel           = "扫描获取完整菜谱"
	ingredientsHeader = "食材:"
	stepsHeader       = "制作步骤预览:"
)

// Raster renders cards in-process.
type Raster struct {
	title, subtitle, body font.Face
}

var _ stage.Renderer = (*Raster)(nil)

// NewRaster loads the TrueType/OpenType font at fontPath. An empty path falls back to a
// built-in bitmap face that only covers ASCII.
func NewRaster(fontPath string) (*Raster, error) {
	if fontPath == "" {
		f := basicfont.Face7x13
		return &Raster{title: f, subtitle: f, body: f}, nil
	}
	data, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	parsed, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", fontPath, err)
	}
	r := &Raster{}
	for _, fc := range []struct {
		dst  *font.Face
		size float64
	}{{&r.title, 36}, {&r.subtitle, 24}, {&r.body, 18}} {
		face, err := opentype.NewFace(parsed, &opentype.FaceOptions{Size: fc.size, DPI: 72, Hinting: font.HintingFull})
		if err != nil {
			return nil, fmt.Errorf("font face %.0fpt: %w", fc.size, err)
		}
		*fc.dst = face
	}
	return r, nil
}

// Render draws the card preview of document and a QR code linking to qrURL.
func (r *Raster) Render(ctx context.Context, document, qrURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	card := recipe.ParseCard(document)
	canvas := imaging.New(CardWidth, CardHeight, color.White)

	titleY := 40
	r.text(canvas, r.title, 30, titleY, card.Title)

	ingredientsY := titleY + 70
	r.text(canvas, r.subtitle, 30, ingredientsY, ingredientsHeader)
	itemY := ingredientsY + 40
	for i, ing := range card.Ingredients {
		r.text(canvas, r.body, 40, itemY+i*30, "• "+ing)
	}

	stepsY := itemY + len(card.Ingredients)*30 + 30
	r.text(canvas, r.subtitle, 30, stepsY, stepsHeader)
	for i, step := range card.Steps {
		r.text(canvas, r.body, 40, stepsY+40+i*25, fmt.Sprintf("%d. %s", i+1, step))
	}

	qr, err := QRImage(qrURL)
	if err != nil {
		return nil, err
	}
	qrAt := image.Pt(CardWidth-qrMargin, CardHeight-qrMargin)
	canvas = imaging.Paste(canvas, qr, qrAt)
	r.text(canvas, r.body, qrAt.X, qrAt.Y-30, qrLabel)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode card: %w", err)
	}
	return buf.Bytes(), nil
}

// text draws s with its top-left corner at (x, y).
func (r *Raster) text(dst *image.NRGBA, face font.Face, x, y int, s string) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.Black,
		Face: face,
		Dot:  fixed.P(x, y+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)
}

// QRImage encodes url as a QRSize x QRSize image.
func QRImage(url string) (image.Image, error) {
	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return nil, stage.Permanent(fmt.Errorf("encode qr code: %w", err))
	}
	img := q.Image(QRSize)
	if b := img.Bounds(); b.Dx() != QRSize || b.Dy() != QRSize {
		img = imaging.Resize(img, QRSize, QRSize, imaging.NearestNeighbor)
	}
	return img, nil
}
