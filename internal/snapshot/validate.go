package snapshot

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"council/internal/decision"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate 校验快照；失败时返回 *decision.SnapshotError，问题列表已排序。
func Validate(s Snapshot) error {
	var issues []string
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &decision.SnapshotError{Issues: []string{err.Error()}}
		}
		for _, fe := range verrs {
			issues = append(issues, describe(fe))
		}
	}
	issues = append(issues, checkNumbers(s)...)
	if len(issues) == 0 {
		return nil
	}
	sort.Strings(issues)
	return &decision.SnapshotError{Issues: dedup(issues)}
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Snapshot.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s requires at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must be >= %s", field, strings.ToLower(fe.Param()))
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

// checkNumbers 覆盖 validator 无法表达的规则：非有限值、K 线内部一致性、布林带顺序、新闻时间顺序。
func checkNumbers(s Snapshot) []string {
	var issues []string
	finite := func(path string, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			issues = append(issues, fmt.Sprintf("%s must be finite", path))
		}
	}
	for w, m := range s.Fundamentals {
		for k, v := range m {
			finite(fmt.Sprintf("fundamentals[%s].%s", w, k), v)
		}
	}
	for w, v := range s.Sentiment {
		finite(fmt.Sprintf("sentiment[%s]", w), v)
	}
	for w, items := range s.News {
		for i, it := range items {
			finite(fmt.Sprintf("news[%s][%d].sentiment", w, i), it.Sentiment)
			if i > 0 && it.Timestamp.Before(items[i-1].Timestamp) {
				issues = append(issues, fmt.Sprintf("news[%s] is not ordered by timestamp at %d", w, i))
			}
		}
	}
	for w, series := range s.OHLCV {
		for i, c := range series {
			path := fmt.Sprintf("ohlcv[%s][%d]", w, i)
			for name, v := range map[string]float64{"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close, "volume": c.Volume} {
				finite(path+"."+name, v)
			}
			if c.Open < c.Low || c.Open > c.High || c.Close < c.Low || c.Close > c.High {
				issues = append(issues, fmt.Sprintf("%s open/close outside [low, high]", path))
			}
			if i > 0 && !c.Time.After(series[i-1].Time) {
				issues = append(issues, fmt.Sprintf("ohlcv[%s] is not strictly ordered by time at %d", w, i))
			}
		}
	}
	t := s.Technicals
	for name, v := range map[string]float64{
		"ema20": t.EMA20, "ema50": t.EMA50, "ema200": t.EMA200, "rsi14": t.RSI14, "atr14": t.ATR14,
		"macd.line": t.MACD.Line, "macd.signal": t.MACD.Signal, "macd.hist": t.MACD.Hist,
		"bollinger.upper": t.Bollinger.Upper, "bollinger.middle": t.Bollinger.Middle, "bollinger.lower": t.Bollinger.Lower,
	} {
		finite("technicals."+name, v)
	}
	for i, v := range t.Support {
		finite(fmt.Sprintf("technicals.support[%d]", i), v)
	}
	for i, v := range t.Resistance {
		finite(fmt.Sprintf("technicals.resistance[%d]", i), v)
	}
	if b := t.Bollinger; b != (Bollinger{}) && (b.Upper < b.Middle || b.Middle < b.Lower) {
		issues = append(issues, "technicals.bollinger must satisfy upper >= middle >= lower")
	}
	if s.Balance != nil {
		finite("balance", *s.Balance)
	}
	return issues
}

func dedup(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i > 0 && s == in[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
