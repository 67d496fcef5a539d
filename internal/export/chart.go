package export

import (
	"errors"
	"math"
	"os"
	"strconv"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// ErrTooFewPoints is returned when fewer than two municipalities have both
// a maximum and a minimum temperature.
var ErrTooFewPoints = errors.New("at least two municipalities with temperatures are required")

// maxChartLabels caps the number of x-axis labels; larger batches keep
// every n-th municipality name.
const maxChartLabels = 40

// WriteChart renders the maximum and minimum temperature of each row as a
// PNG line chart, one x position per municipality.
func WriteChart(path string, rows []Row) error {
	var (
		x, maxT, minT []float64
		labels        []string
	)
	for _, r := range rows {
		hi, err1 := strconv.ParseFloat(r.TemperatureMax, 64)
		lo, err2 := strconv.ParseFloat(r.TemperatureMin, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		x = append(x, float64(len(x)))
		maxT = append(maxT, hi)
		minT = append(minT, lo)
		labels = append(labels, r.Name)
	}
	if len(x) < 2 {
		return ErrTooFewPoints
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range x {
		lo = math.Min(lo, minT[i])
		hi = math.Max(hi, maxT[i])
	}

	step := 1
	if len(labels) > maxChartLabels {
		step = int(math.Ceil(float64(len(labels)) / maxChartLabels))
	}
	ticks := make([]chart.Tick, 0, len(labels)/step+1)
	for i := 0; i < len(labels); i += step {
		ticks = append(ticks, chart.Tick{Value: x[i], Label: labels[i]})
	}

	tempFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f ºC")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		Background: chart.Style{
			Padding: chart.Box{Top: 20, Left: 20, Right: 20, Bottom: 120},
		},
		XAxis: chart.XAxis{
			Range:     &chart.ContinuousRange{Min: 0, Max: x[len(x)-1]},
			Ticks:     ticks,
			TickStyle: chart.Style{TextRotationDegrees: 45},
		},
		YAxis: chart.YAxis{
			Name:           "Temperatura",
			Range:          &chart.ContinuousRange{Min: math.Floor(lo) - 2, Max: math.Ceil(hi) + 2},
			ValueFormatter: tempFormatter,
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "Máxima",
				XValues: x,
				YValues: maxT,
				Style:   chart.Style{StrokeColor: drawing.ColorRed, DotWidth: 3, DotColor: drawing.ColorRed},
			},
			chart.ContinuousSeries{
				Name:    "Mínima",
				XValues: x,
				YValues: minT,
				Style:   chart.Style{StrokeColor: drawing.ColorBlue, DotWidth: 3, DotColor: drawing.ColorBlue},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}
