package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/disintegration/imaging"

	"voicecard/internal/recipe"
	"voicecard/internal/stage"
)

// Browser renders cards as HTML in headless Chrome, which handles CJK text through the
// system fonts. Requires Chrome/Chromium on the worker host.
type Browser struct {
	timeout time.Duration
}

var _ stage.Renderer = (*Browser)(nil)

func NewBrowser(timeout time.Duration) *Browser {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Browser{timeout: timeout}
}

var cardTemplate = template.Must(template.New("card").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><style>
html, body { margin: 0; padding: 0; background: #fff; }
#card { position: relative; width: {{.Width}}px; height: {{.Height}}px; font-family: sans-serif; color: #000; }
h1 { position: absolute; left: 30px; top: 40px; margin: 0; font-size: 36px; font-weight: normal; }
.body { position: absolute; left: 30px; top: 110px; right: 30px; }
h2 { margin: 0 0 12px; font-size: 24px; font-weight: normal; }
ul, ol { margin: 0 0 24px 10px; padding-left: 18px; font-size: 18px; line-height: 30px; }
#qr { position: absolute; left: {{.QRLeft}}px; top: {{.QRTop}}px; width: {{.QRSize}}px; height: {{.QRSize}}px; }
#qr-label { position: absolute; left: {{.QRLeft}}px; top: {{.LabelTop}}px; font-size: 18px; white-space: nowrap; }
</style></head><body><div id="card">
<h1>{{.Card.Title}}</h1>
<div class="body">
<h2>{{.IngredientsHeader}}</h2>
<ul>{{range .Card.Ingredients}}<li>{{.}}</li>{{end}}</ul>
<h2>{{.StepsHeader}}</h2>
<ol>{{range .Card.Steps}}<li>{{.}}</li>{{end}}</ol>
</div>
<div id="qr-label">{{.QRLabel}}</div>
<img id="qr" src="{{.QRSrc}}">
</div></body></html>`))

type cardView struct {
	Card              recipe.Card
	Width, Height     int
	QRLeft, QRTop     int
	LabelTop, QRSize  int
	QRSrc             template.URL
	QRLabel           string
	IngredientsHeader string
	StepsHeader       string
}

// cardHTML renders the card page with the QR code inlined as a data URI.
func cardHTML(document, qrURL string) (string, error) {
	qr, err := QRImage(qrURL)
	if err != nil {
		return "", err
	}
	var png bytes.Buffer
	if err := imaging.Encode(&png, qr, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	view := cardView{
		Card:              recipe.ParseCard(document),
		Width:             CardWidth,
		Height:            CardHeight,
		QRLeft:            CardWidth - qrMargin,
		QRTop:             CardHeight - qrMargin,
		LabelTop:          CardHeight - qrMargin - 30,
		QRSize:            QRSize,
		QRSrc:             template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png.Bytes())),
		QRLabel:           qrLabel,
		IngredientsHeader: ingredientsHeader,
		StepsHeader:       stepsHeader,
	}
	var out bytes.Buffer
	if err := cardTemplate.Execute(&out, view); err != nil {
		return "", stage.Permanent(fmt.Errorf("render card html: %w", err))
	}
	return out.String(), nil
}

func (b *Browser) Render(ctx context.Context, document, qrURL string) ([]byte, error) {
	html, err := cardHTML(document, qrURL)
	if err != nil {
		return nil, err
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	browserCtx, cancel = context.WithTimeout(browserCtx, b.timeout)
	defer cancel()

	var shot []byte
	err = chromedp.Run(browserCtx,
		chromedp.EmulateViewport(CardWidth, CardHeight),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitVisible("#qr", chromedp.ByID),
		chromedp.Screenshot("#card", &shot, chromedp.ByID),
	)
	if err != nil {
		return nil, stage.Transient(fmt.Errorf("browser rendering failed: %w", err))
	}
	return shot, nil
}
