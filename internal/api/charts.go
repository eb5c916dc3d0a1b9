package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/httputil"
	"github.com/banshee-data/mindrace/internal/race"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// laneColors follow the green and red cars of the race display.
var (
	laneColors = [2]string{"#2e7d32", "#c62828"}
	laneFills  = [2]color.RGBA{{R: 0x2e, G: 0x7d, B: 0x32, A: 0xb0}, {R: 0xc6, G: 0x28, B: 0x28, A: 0xb0}}
)

// raceChart renders an HTML page with the racers' positions and the
// per-tick entropy of each lane.
func (s *Server) raceChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.session.Snapshot()
	hist := s.session.History()

	page := components.NewPage()
	page.PageTitle = "Mind Race"
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(positionsBar(snap), entropyLine(hist))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func positionsBar(snap race.Snapshot) *charts.Bar {
	bar := charts.NewBar()
	subtitle := fmt.Sprintf("tick=%d winner=%s live=%v", snap.Tick, snap.Winner, snap.Live)
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "320px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Positions", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: snap.Config.TrackMax, Name: "Track"}),
	)
	bars := make([]opts.BarData, 0, 2)
	labels := make([]string, 0, 2)
	for _, lane := range bitblock.Lanes {
		l := snap.Lanes[lane]
		labels = append(labels, lane.Label())
		bars = append(bars, opts.BarData{
			Name:      lane.Label(),
			Value:     l.Position,
			ItemStyle: &opts.ItemStyle{Color: laneColors[lane]},
		})
	}
	bar.SetXAxis(labels).
		AddSeries("position", bars,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "right"}),
		)
	bar.XYReversal()
	return bar
}

func entropyLine(h race.History) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Block entropy", Subtitle: fmt.Sprintf("ticks=%d", h.Tick)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "H (bits)"}),
	)
	n := min(len(h.Entropies[bitblock.LaneA]), len(h.Entropies[bitblock.LaneB]))
	ticks := make([]string, n)
	for i := range ticks {
		ticks[i] = strconv.Itoa(i + 1)
	}
	line.SetXAxis(ticks)
	for _, lane := range bitblock.Lanes {
		data := make([]opts.LineData, n)
		for i := 0; i < n; i++ {
			data[i] = opts.LineData{Value: h.Entropies[lane][i]}
		}
		line.AddSeries(lane.Label(), data,
			charts.WithLineStyleOpts(opts.LineStyle{Color: laneColors[lane]}),
		)
	}
	return line
}

// entropyPlot renders a histogram of each lane's entropy scores as PNG.
func (s *Server) entropyPlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	h := s.session.History()
	if len(h.Entropies[bitblock.LaneA]) == 0 {
		httputil.WriteJSONError(w, http.StatusConflict, "no entropy scores yet")
		return
	}

	p, err := entropyHistogram(h)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

const histogramBins = 10

func entropyHistogram(h race.History) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Block entropy (%d ticks)", h.Tick)
	p.X.Label.Text = "Entropy (bits)"
	p.Y.Label.Text = "Blocks"
	p.X.Min, p.X.Max = 0, 1

	for _, lane := range bitblock.Lanes {
		vals := make(plotter.Values, len(h.Entropies[lane]))
		copy(vals, h.Entropies[lane])
		hist, err := plotter.NewHist(vals, histogramBins)
		if err != nil {
			return nil, fmt.Errorf("lane %s: %w", lane, err)
		}
		hist.FillColor = laneFills[lane]
		hist.LineStyle.Width = vg.Points(0.5)
		p.Add(hist)
		p.Legend.Add(lane.Label(), hist)
	}
	return p, nil
}
