package council

import (
	"sync"
	"time"

	"council/internal/decision"
)

type EventType string

const (
	EventCycleStarted  EventType = "cycle_started"
	EventRoundClosed   EventType = "round_closed"
	EventCycleFinished EventType = "cycle_finished"
)

// Event 为推送给订阅者（websocket）的进度事件，只含摘要，完整记录走审计接口。
type Event struct {
	Type        EventType         `json:"type"`
	CycleID     string            `json:"cycle_id"`
	Symbol      string            `json:"symbol,omitempty"`
	Round       int               `json:"round,omitempty"`
	Phase       decision.Phase    `json:"phase,omitempty"`
	From        decision.State    `json:"from,omitempty"`
	To          decision.State    `json:"to,omitempty"`
	Votes       int               `json:"votes,omitempty"`
	Abstentions int               `json:"abstentions,omitempty"`
	Note        string            `json:"note,omitempty"`
	Outcome     *decision.Outcome `json:"outcome,omitempty"`
	Error       string            `json:"error,omitempty"`
	At          time.Time         `json:"at"`
}

func roundEvent(rec decision.RoundRecord) Event {
	ev := Event{
		Type:    EventRoundClosed,
		CycleID: rec.CycleID,
		Round:   rec.Round,
		Phase:   rec.Phase,
		From:    rec.From,
		To:      rec.To,
		Note:    rec.Result.Note,
		Outcome: rec.Result.Outcome,
		At:      rec.ClosedAt,
	}
	for _, v := range rec.Votes {
		if v.Abstained() {
			ev.Abstentions++
			continue
		}
		ev.Votes++
	}
	if rec.Params != nil {
		ev.Symbol = rec.Params.Symbol
	}
	return ev
}

// Hub 将事件广播给全部订阅者；订阅者消费过慢时丢弃事件而不阻塞 cycle。
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe 返回事件通道与取消函数，取消后通道关闭。
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
