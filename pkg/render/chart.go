package render

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/Sumatoshi-tech/stanlens/pkg/finding"
)

const (
	chartHeight  = "600px"
	maxChartBars = 30
)

// FileCount is the number of findings in one file.
type FileCount struct {
	Path  string
	Count int
}

// CountsByFile orders files by descending finding count, ties by run order.
func CountsByFile(result finding.RunResult) []FileCount {
	counts := make([]FileCount, 0, len(result.Files))

	for _, file := range result.Files {
		if len(file.Findings) == 0 {
			continue
		}

		counts = append(counts, FileCount{Path: file.Path, Count: len(file.Findings)})
	}

	sort.SliceStable(counts, func(i, j int) bool { return counts[i].Count > counts[j].Count })

	return counts
}

// HTML writes a standalone page charting findings per file.
func HTML(w io.Writer, result finding.RunResult, subtitle string) error {
	counts := CountsByFile(result)
	if len(counts) > maxChartBars {
		counts = counts[:maxChartBars]
	}

	labels := make([]string, len(counts))
	data := make([]opts.BarData, len(counts))

	for i, c := range counts {
		labels[i] = c.Path
		data[i] = opts.BarData{Value: c.Count}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "stanlens report", Width: "100%", Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Findings per file (%d total)", result.Len()),
			Subtitle: subtitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "File", AxisLabel: &opts.AxisLabel{Rotate: 30}}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Findings"}),
	)
	bar.SetXAxis(labels).AddSeries("Findings", data)

	err := bar.Render(w)
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}

	return nil
}
