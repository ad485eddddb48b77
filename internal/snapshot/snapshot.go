package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"council/internal/decision"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Window 为数据窗口。
type Window string

const (
	Window7d  Window = "7d"
	Window24h Window = "24h"
	Window4h  Window = "4h"
)

// Windows 为固定顺序的全部窗口。
var Windows = []Window{Window7d, Window24h, Window4h}

type NewsItem struct {
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Title     string    `json:"title" validate:"required"`
	Sentiment float64   `json:"sentiment" validate:"gte=-1,lte=1"`
	Entities  []string  `json:"entities,omitempty"`
}

type Candle struct {
	Time   time.Time `json:"time" validate:"required"`
	Open   float64   `json:"open" validate:"gt=0"`
	High   float64   `json:"high" validate:"gt=0,gtefield=Low"`
	Low    float64   `json:"low" validate:"gt=0"`
	Close  float64   `json:"close" validate:"gt=0"`
	Volume float64   `json:"volume" validate:"gte=0"`
}

type MACD struct {
	Line   float64 `json:"line"`
	Signal float64 `json:"signal"`
	Hist   float64 `json:"hist"`
}

type Bollinger struct {
	Upper  float64 `json:"upper" validate:"gte=0"`
	Middle float64 `json:"middle" validate:"gte=0"`
	Lower  float64 `json:"lower" validate:"gte=0"`
}

// Technicals 为预先计算好的技术指标。
type Technicals struct {
	EMA20      float64   `json:"ema20" validate:"gt=0"`
	EMA50      float64   `json:"ema50" validate:"gt=0"`
	EMA200     float64   `json:"ema200" validate:"gt=0"`
	RSI14      float64   `json:"rsi14" validate:"gte=0,lte=100"`
	MACD       MACD      `json:"macd"`
	ATR14      float64   `json:"atr14" validate:"gt=0"`
	Bollinger  Bollinger `json:"bollinger"`
	Support    []float64 `json:"support,omitempty" validate:"omitempty,dive,gt=0"`
	Resistance []float64 `json:"resistance,omitempty" validate:"omitempty,dive,gt=0"`
}

// Snapshot 为一次决策周期的全部输入。
type Snapshot struct {
	Symbol       string                        `json:"symbol" validate:"required"`
	CapturedAt   time.Time                     `json:"captured_at"`
	Fundamentals map[Window]map[string]float64 `json:"fundamentals,omitempty" validate:"omitempty,dive,keys,oneof=7d 24h 4h,endkeys"`
	News         map[Window][]NewsItem         `json:"news,omitempty" validate:"omitempty,dive,keys,oneof=7d 24h 4h,endkeys,dive"`
	OHLCV        map[Window][]Candle           `json:"ohlcv,omitempty" validate:"omitempty,dive,keys,oneof=7d 24h 4h,endkeys,dive"`
	Technicals   Technicals                    `json:"technicals"`
	Sentiment    map[Window]float64            `json:"sentiment" validate:"required,min=1,dive,keys,oneof=7d 24h 4h,endkeys,gte=-1,lte=1"`
	Balance      *float64                      `json:"balance" validate:"required,gte=0"`
}

// AccountBalance 返回账户余额，未设置时为 0。
func (s Snapshot) AccountBalance() float64 {
	if s.Balance == nil {
		return 0
	}
	return *s.Balance
}

// LastPrice 返回指定窗口最后一根 K 线的收盘价，缺失时退回 EMA20。
func (s Snapshot) LastPrice(w Window) float64 {
	if series := s.OHLCV[w]; len(series) > 0 {
		return series[len(series)-1].Close
	}
	for _, win := range Windows {
		if series := s.OHLCV[win]; len(series) > 0 {
			return series[len(series)-1].Close
		}
	}
	return s.Technicals.EMA20
}

// Clone 返回深拷贝。
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Fundamentals != nil {
		out.Fundamentals = make(map[Window]map[string]float64, len(s.Fundamentals))
		for w, m := range s.Fundamentals {
			cp := make(map[string]float64, len(m))
			for k, v := range m {
				cp[k] = v
			}
			out.Fundamentals[w] = cp
		}
	}
	if s.News != nil {
		out.News = make(map[Window][]NewsItem, len(s.News))
		for w, items := range s.News {
			cp := make([]NewsItem, len(items))
			for i, it := range items {
				it.Entities = append([]string(nil), it.Entities...)
				cp[i] = it
			}
			out.News[w] = cp
		}
	}
	if s.OHLCV != nil {
		out.OHLCV = make(map[Window][]Candle, len(s.OHLCV))
		for w, series := range s.OHLCV {
			out.OHLCV[w] = append([]Candle(nil), series...)
		}
	}
	if s.Sentiment != nil {
		out.Sentiment = make(map[Window]float64, len(s.Sentiment))
		for w, v := range s.Sentiment {
			out.Sentiment[w] = v
		}
	}
	out.Technicals.Support = append([]float64(nil), s.Technicals.Support...)
	out.Technicals.Resistance = append([]float64(nil), s.Technicals.Resistance...)
	if s.Balance != nil {
		b := *s.Balance
		out.Balance = &b
	}
	return out
}

// Canonical 返回确定性的 JSON 编码（map 键排序）。
func Canonical(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// Frozen 是被某个 cycle 持有的不可变快照：私有深拷贝 + 规范化 JSON + SHA-256 指纹。
type Frozen struct {
	snap        Snapshot
	raw         []byte
	fingerprint string
}

// Freeze 校验并冻结快照；校验失败返回 *decision.SnapshotError。
func Freeze(s Snapshot) (*Frozen, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	c := s.Clone()
	raw, err := Canonical(c)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return &Frozen{snap: c, raw: raw, fingerprint: digest(raw)}, nil
}

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Snapshot 返回深拷贝，调用方可随意修改。
func (f *Frozen) Snapshot() Snapshot { return f.snap.Clone() }

// JSON 返回规范化 JSON 的副本。
func (f *Frozen) JSON() []byte { return append([]byte(nil), f.raw...) }

func (f *Frozen) Fingerprint() string { return f.fingerprint }

func (f *Frozen) Symbol() string { return f.snap.Symbol }

func (f *Frozen) Balance() float64 { return f.snap.AccountBalance() }

// Verify 重新编码私有副本并比对指纹。
func (f *Frozen) Verify() error {
	raw, err := Canonical(f.snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if got := digest(raw); got != f.fingerprint || digest(f.raw) != f.fingerprint {
		return fmt.Errorf("%w: expected %s got %s", decision.ErrSnapshotDrift, f.fingerprint, got)
	}
	return nil
}
