package report

import (
	"fmt"
	"io"
	"math"
	"strings"

	"council/internal/decision"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

// 中文说明：
// report 把一次 cycle 的审计记录渲染成 HTML 图表（每轮背景投票分布、方案排名）
// 与终端摘要。只读审计记录，不依赖运行中的引擎。

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBullish       = "#34d399"
	colorBearish       = "#f87171"
	colorUncertain     = "#fbbf24"
	colorAbstain       = "#6b7280"
	colorPlan          = "#a78bfa"

	chartWidthPx  = 1200
	chartHeightPx = 420
)

var labelColors = map[decision.Label]string{
	decision.LabelBullish:   colorBullish,
	decision.LabelBearish:   colorBearish,
	decision.LabelUncertain: colorUncertain,
}

// RenderCharts 将 cycle 的投票分布与方案排名写成单页 HTML。
// 记录中既没有背景投票轮也没有排名时返回错误。
func RenderCharts(w io.Writer, records []decision.RoundRecord) error {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	title := cycleTitle(records)

	if bar := votesChart(title, records); bar != nil {
		page.AddCharts(bar)
	}
	if bar := rankingChart(title, records); bar != nil {
		page.AddCharts(bar)
	}
	if len(page.Charts) == 0 {
		return fmt.Errorf("no charts rendered for %s", title)
	}
	return page.Render(w)
}

func cycleTitle(records []decision.RoundRecord) string {
	if len(records) == 0 {
		return "cycle"
	}
	first := records[0]
	if first.Params != nil && first.Params.Symbol != "" {
		return fmt.Sprintf("%s %s", strings.ToUpper(first.Params.Symbol), first.CycleID)
	}
	return first.CycleID
}

func baseInit() opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", chartHeightPx),
		BackgroundColor: colorBackground,
	}
}

func globalOpts(title, subtitle string) []charts.GlobalOpts {
	return []charts.GlobalOpts{
		charts.WithInitializationOpts(baseInit()),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTitleOpts(opts.Title{
			Title:         title,
			Subtitle:      subtitle,
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	}
}

// votesChart 每个背景/辩论轮一根堆叠柱：各标签加权支持度，外加弃权数。
func votesChart(title string, records []decision.RoundRecord) *charts.Bar {
	var (
		xAxis   []string
		weights = make(map[decision.Label][]opts.BarData, len(decision.Labels))
		abstain []opts.BarData
	)
	threshold := 0.0
	for _, rec := range records {
		m := rec.Result.Majority
		if m == nil {
			continue
		}
		threshold = m.Threshold
		xAxis = append(xAxis, fmt.Sprintf("R%d %s", rec.Round, rec.Phase))
		for _, share := range m.Distribution {
			weights[share.Label] = append(weights[share.Label], opts.BarData{Value: round(share.Weight, 4)})
		}
		abstain = append(abstain, opts.BarData{Value: m.Abstentions})
	}
	if len(xAxis) == 0 {
		return nil
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(globalOpts(title, fmt.Sprintf("context votes by weight, threshold %.2f", threshold))...)
	bar.SetXAxis(xAxis)
	for _, label := range decision.Labels {
		series := weights[label]
		if len(series) != len(xAxis) {
			continue
		}
		bar.AddSeries(string(label), series,
			charts.WithBarChartOpts(opts.BarChart{Stack: "weight"}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: labelColors[label]}),
		)
	}
	bar.AddSeries("abstentions", abstain,
		charts.WithItemStyleOpts(opts.ItemStyle{Color: colorAbstain}),
	)
	return bar
}

// rankingChart 取最后一次 plan_voting 的排名，按名次展示加权总分。
func rankingChart(title string, records []decision.RoundRecord) *charts.Bar {
	var ranking []decision.RankedPlan
	for _, rec := range records {
		if rec.Phase == decision.PhasePlanVoting && len(rec.Result.Ranking) > 0 {
			ranking = rec.Result.Ranking
		}
	}
	if len(ranking) == 0 {
		return nil
	}
	xAxis := make([]string, 0, len(ranking))
	totals := make([]opts.BarData, 0, len(ranking))
	for _, rp := range ranking {
		xAxis = append(xAxis, fmt.Sprintf("#%d %s %s", rp.Rank, rp.AgentID, rp.Plan.Direction))
		color := colorPlan
		if rp.Rank == 1 {
			color = colorBullish
		}
		totals = append(totals, opts.BarData{
			Value:     round(rp.Total, 4),
			ItemStyle: &opts.ItemStyle{Color: color},
		})
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(globalOpts(title, "plan ranking (weighted rubric total)")...)
	bar.SetXAxis(xAxis)
	bar.AddSeries("score", totals)
	return bar
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
