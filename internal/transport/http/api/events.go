package apihttp

import (
	"net/http"
	"sync"
	"time"

	"council/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// safeConn 串行化写操作；gorilla 的连接不支持并发写。
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *safeConn) write(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sc.Conn.WriteMessage(messageType, data)
}

// handleEvents 把 Hub 上的生命周期事件推送到 websocket。
// ?cycle=<id> 只推送指定 cycle 的事件。慢客户端丢事件，不阻塞引擎。
func (r *Router) handleEvents(c *gin.Context) {
	rawConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	conn := &safeConn{Conn: rawConn}
	defer conn.Close()

	filter := c.Query("cycle")
	events, unsubscribe := r.svc.Hub().Subscribe(eventBuffer)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && ev.CycleID != filter {
				continue
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				logger.Warnf("marshal event failed: %v", err)
				continue
			}
			if err := conn.write(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}
}
