package monitor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/eventhorizon/internal/histogram"
	"github.com/banshee-data/eventhorizon/internal/httputil"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// histogramAxis returns bin centers as axis labels and counts as series data.
func histogramAxis(h *histogram.Histogram, prec int) ([]string, []opts.LineData) {
	centers := h.Centers()
	x := make([]string, len(centers))
	y := make([]opts.LineData, len(centers))
	for i, c := range centers {
		x[i] = strconv.FormatFloat(c, 'f', prec, 64)
		y[i] = opts.LineData{Value: h.Counts[i]}
	}
	return x, y
}

// handleSpectrumChart renders the last energy spectrum as a line chart.
// ?log=1 switches the y axis to a log scale.
func (ws *WebServer) handleSpectrumChart(w http.ResponseWriter, r *http.Request) {
	snap := ws.ctrl.Snapshot()
	if snap == nil || snap.Spectrum == nil {
		httputil.NotFound(w, "no spectrum published yet")
		return
	}
	x, y := histogramAxis(snap.Spectrum, 0)

	yAxis := opts.YAxis{Name: "counts", Type: "value"}
	if r.URL.Query().Get("log") == "1" {
		yAxis.Type = "log"
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Energy spectrum", Width: "100%", Height: "640px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Energy spectrum",
			Subtitle: fmt.Sprintf("%d events, horizon %d, window %gs", snap.Events, snap.HorizonID, snap.AccumulationTime),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "keV", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(yAxis),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(x).AddSeries("spectrum", y)
	ws.renderChart(w, line)
}

// handleCountRateChart renders the last count-rate histogram as a bar chart.
func (ws *WebServer) handleCountRateChart(w http.ResponseWriter, r *http.Request) {
	snap := ws.ctrl.Snapshot()
	if snap == nil || snap.CountRate == nil {
		httputil.NotFound(w, "no count rate published yet")
		return
	}
	x, lineData := histogramAxis(snap.CountRate, 1)
	y := make([]opts.BarData, len(lineData))
	for i, d := range lineData {
		y[i] = opts.BarData{Value: d.Value}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Count rate", Width: "100%", Height: "640px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Count rate", Subtitle: fmt.Sprintf("horizon t=%.3fs", snap.HorizonTime)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "s", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "counts/s"}),
	)
	bar.SetXAxis(x).AddSeries("count rate", y)
	ws.renderChart(w, bar)
}

type renderer interface {
	Render(w io.Writer) error
}

func (ws *WebServer) renderChart(w http.ResponseWriter, c renderer) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
