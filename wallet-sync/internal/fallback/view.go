package fallback

import (
	"bytes"
	"html/template"
	"io"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/passcontent"
)

var cardTemplate = template.Must(template.New("card").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="theme-color" content="{{.Background}}">
<link rel="manifest" href="{{.ManifestURL}}">
<title>{{.Content.OrganizationName}}</title>
<style>
body{margin:0;font-family:system-ui,sans-serif;background:#F3F4F6}
.card{max-width:360px;margin:24px auto;border-radius:16px;padding:20px;background:{{.Background}};color:{{.Foreground}}}
.progress{height:8px;border-radius:4px;background:rgba(255,255,255,.3)}
.progress>div{height:8px;border-radius:4px;background:{{.Foreground}};width:{{.Content.ProgressPercent}}%}
.code{font-family:monospace;font-size:18px;letter-spacing:2px;margin-top:16px}
dl{margin:16px 0 0}dt{font-size:12px;opacity:.7}dd{margin:0 0 8px}
</style>
</head>
<body>
<main class="card" data-serial="{{.Content.SerialNumber}}">
<h1>{{.Content.OrganizationName}}</h1>
<p>{{.Content.PrimaryLabel}}: <strong>{{.Content.PrimaryValue}}</strong></p>
<div class="progress"><div></div></div>
<p>{{.Content.RemainingLabel}}: {{.Content.RemainingValue}}</p>
{{if .ShowCode}}<div class="code">{{.Content.BarcodePayload}}</div>{{end}}
<dl>
{{range .Content.BackFields}}<dt>{{.Label}}</dt><dd>{{.Value}}</dd>
{{end}}</dl>
</main>
</body>
</html>
`))

type cardView struct {
	Content     models.PassContent
	Background  template.CSS
	Foreground  template.CSS
	ManifestURL string
	ShowCode    bool
}

// RenderCardView writes the server-rendered card page. showCode switches on
// the large code block used by the "Show QR code" shortcut.
func (r *Renderer) RenderCardView(w io.Writer, content models.PassContent, showCode bool) error {
	m := r.RenderManifest(content)
	view := cardView{
		Content: content,
		// normalized colours are always #RRGGBB, safe for CSS
		Background:  template.CSS(m.BackgroundColor),
		Foreground:  template.CSS(passcontent.NormalizeColor(content.ForegroundColor)),
		ManifestURL: m.ID + "/manifest.webmanifest",
		ShowCode:    showCode,
	}
	if m.ID == "/" {
		view.ManifestURL = "/manifest.webmanifest"
	}
	var buf bytes.Buffer
	if err := cardTemplate.Execute(&buf, view); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
