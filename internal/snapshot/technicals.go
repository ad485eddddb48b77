package snapshot

import (
	"math"
	"sort"

	"github.com/markcheno/go-talib"
)

// 中文说明：
// 技术指标由采集方提供；这里只在字段缺失（为 0）时从 OHLCV 补算，
// 已有的值一律不覆盖。补算必须发生在 Freeze 之前。

const (
	structureSpan   = 2
	structureLevels = 3
)

// EnrichTechnicals 使用窗口 w 的 K 线补齐缺失的技术指标，返回被补算的字段名。
func EnrichTechnicals(s *Snapshot, w Window) []string {
	if s == nil {
		return nil
	}
	candles := s.OHLCV[w]
	n := len(candles)
	if n == 0 {
		return nil
	}
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	var filled []string
	t := &s.Technicals
	fill := func(name string, target *float64, enough bool, compute func() float64) {
		if *target != 0 || !enough {
			return
		}
		if v := compute(); v != 0 {
			*target = roundFloat(v, 6)
			filled = append(filled, name)
		}
	}
	fill("ema20", &t.EMA20, n > 20, func() float64 { return lastNonZero(talib.Ema(closes, 20)) })
	fill("ema50", &t.EMA50, n > 50, func() float64 { return lastNonZero(talib.Ema(closes, 50)) })
	fill("ema200", &t.EMA200, n > 200, func() float64 { return lastNonZero(talib.Ema(closes, 200)) })
	fill("rsi14", &t.RSI14, n > 14, func() float64 { return lastNonZero(talib.Rsi(closes, 14)) })
	fill("atr14", &t.ATR14, n > 14, func() float64 { return lastNonZero(talib.Atr(highs, lows, closes, 14)) })
	if t.MACD == (MACD{}) && n > 34 {
		line, signal, hist := talib.Macd(closes, 12, 26, 9)
		t.MACD = MACD{
			Line:   roundFloat(lastFinite(line), 6),
			Signal: roundFloat(lastFinite(signal), 6),
			Hist:   roundFloat(lastFinite(hist), 6),
		}
		filled = append(filled, "macd")
	}
	if t.Bollinger == (Bollinger{}) && n > 20 {
		upper, middle, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
		t.Bollinger = Bollinger{
			Upper:  roundFloat(lastNonZero(upper), 6),
			Middle: roundFloat(lastNonZero(middle), 6),
			Lower:  roundFloat(lastNonZero(lower), 6),
		}
		filled = append(filled, "bollinger")
	}
	if len(t.Support) == 0 {
		if lv := swingLevels(lows, false); len(lv) > 0 {
			t.Support = lv
			filled = append(filled, "support")
		}
	}
	if len(t.Resistance) == 0 {
		if lv := swingLevels(highs, true); len(lv) > 0 {
			t.Resistance = lv
			filled = append(filled, "resistance")
		}
	}
	return filled
}

// swingLevels 取最近的分形高点/低点，去重后升序返回。
func swingLevels(series []float64, high bool) []float64 {
	var picked []float64
	seen := make(map[float64]bool)
	for i := len(series) - 1 - structureSpan; i >= structureSpan && len(picked) < structureLevels; i-- {
		v := series[i]
		pivot := true
		for k := 1; k <= structureSpan; k++ {
			if high && (series[i-k] > v || series[i+k] > v) {
				pivot = false
				break
			}
			if !high && (series[i-k] < v || series[i+k] < v) {
				pivot = false
				break
			}
		}
		if !pivot || seen[v] {
			continue
		}
		seen[v] = true
		picked = append(picked, v)
	}
	sort.Float64s(picked)
	return picked
}

func lastNonZero(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) <= 1e-12 {
			continue
		}
		return v
	}
	return 0
}

func lastFinite(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if v := series[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v
		}
	}
	return 0
}

func roundFloat(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
