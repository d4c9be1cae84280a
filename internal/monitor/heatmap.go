package monitor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/eventhorizon/internal/event"
	"github.com/banshee-data/eventhorizon/internal/httputil"
)

// imageGrid adapts an event.Image to plotter.GridXYZ.
type imageGrid struct{ im *event.Image }

func (g imageGrid) Dims() (c, r int)   { return g.im.Width, g.im.Height }
func (g imageGrid) Z(c, r int) float64 { return g.im.At(c, r) }

func (g imageGrid) X(c int) float64 {
	step := (g.im.LongitudeMax - g.im.LongitudeMin) / float64(g.im.Width)
	return g.im.LongitudeMin + (float64(c)+0.5)*step
}

func (g imageGrid) Y(r int) float64 {
	step := (g.im.LatitudeMax - g.im.LatitudeMin) / float64(g.im.Height)
	return g.im.LatitudeMin + (float64(r)+0.5)*step
}

// RenderImage writes im as a PNG heat map of the given size.
func RenderImage(w io.Writer, im *event.Image, width, height vg.Length) error {
	if im == nil || im.Width < 1 || im.Height < 1 || len(im.Pixels) != im.Width*im.Height {
		return fmt.Errorf("no image to render")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Sky image (%d events, %d iterations)", im.Events, im.Iterations)
	p.X.Label.Text = "longitude (deg)"
	p.Y.Label.Text = "latitude (deg)"

	cm := moreland.ExtendedBlackBody()
	cm.SetMin(0)
	cm.SetMax(1)
	hm := plotter.NewHeatMap(imageGrid{im}, cm.Palette(64))
	if hm.Max <= hm.Min {
		hm.Max = hm.Min + 1
	}
	p.Add(hm)
	p.X.Min, p.X.Max = im.LongitudeMin, im.LongitudeMax
	p.Y.Min, p.Y.Max = im.LatitudeMin, im.LatitudeMax

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("render image: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

func (ws *WebServer) handleImagePNG(w http.ResponseWriter, r *http.Request) {
	snap := ws.ctrl.Snapshot()
	if snap == nil || snap.Image == nil {
		httputil.NotFound(w, "no image published yet")
		return
	}
	var buf bytes.Buffer
	if err := RenderImage(&buf, snap.Image, 10*vg.Inch, 5*vg.Inch); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
