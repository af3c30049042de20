package notify

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/heic-forge/internal/queue"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// クライアントとやり取りするメッセージ種別です。
const (
	MessageSubscribeJob   = "subscribe:job"
	MessageUnsubscribeJob = "unsubscribe:job"
	MessageStatus         = "job:status"
	MessageError          = "error"
)

// StatusSource はジョブの現在状態を返します。購読開始時のスナップショットに使います。
type StatusSource interface {
	Status(ctx context.Context, jobID string) (*queue.Status, error)
}

// HandlerOptions は WebSocket / SSE ハンドラーの設定です。
type HandlerOptions struct {
	Hub    *Hub
	Status StatusSource
	Owner  func(c *gin.Context) string
	// CheckOrigin が nil の場合は gorilla/websocket の同一オリジン判定を使います。
	CheckOrigin func(r *http.Request) bool
	Logger      *log.Logger
}

// Message はサーバーからクライアントへ送る1メッセージです。
type Message struct {
	Type   string        `json:"type"`
	JobID  string        `json:"jobId,omitempty"`
	Event  *queue.Event  `json:"event,omitempty"`
	Status *queue.Status `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// WebSocketHandler は GET /api/ws のハンドラーを返します。
// 接続すると所有者のルームに自動で参加し、subscribe:job で特定ジョブに絞り込めます。
func WebSocketHandler(opts HandlerOptions) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     opts.CheckOrigin,
	}

	return func(c *gin.Context) {
		owner := ownerOf(c, opts)
		if owner == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logf(opts.Logger, "failed to upgrade to websocket owner=%s: %v", owner, err)
			return
		}

		client := &wsClient{
			conn:    conn,
			sub:     opts.Hub.Subscribe(owner),
			opts:    opts,
			direct:  make(chan Message, 8),
			done:    make(chan struct{}),
			stopped: make(chan struct{}),
		}
		go client.writePump()
		client.readPump(c.Request.Context())
	}
}

type wsClient struct {
	conn    *websocket.Conn
	sub     *Subscription
	opts    HandlerOptions
	direct  chan Message
	done    chan struct{}
	stopped chan struct{}
}

func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		close(c.done)
		c.sub.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logf(c.opts.Logger, "websocket read error owner=%s: %v", c.sub.Owner(), err)
			}
			return
		}

		switch msg.Type {
		case MessageSubscribeJob:
			c.subscribeJob(ctx, msg.JobID)
		case MessageUnsubscribeJob:
			c.sub.Unwatch(msg.JobID)
		default:
			c.send(Message{Type: MessageError, JobID: msg.JobID, Error: "unknown message type: " + msg.Type})
		}
	}
}

// subscribeJob は所有者を確認してから Watch し、現在の状態を最初に送ります。
func (c *wsClient) subscribeJob(ctx context.Context, jobID string) {
	if jobID == "" {
		c.send(Message{Type: MessageError, Error: "jobId is required"})
		return
	}
	status, err := lookupStatus(ctx, c.opts.Status, jobID)
	if err != nil {
		logf(c.opts.Logger, "status lookup failed job=%s: %v", jobID, err)
		c.send(Message{Type: MessageError, JobID: jobID, Error: "status unavailable"})
		return
	}
	if status == nil || status.OwnerID != c.sub.Owner() {
		c.send(Message{Type: MessageError, JobID: jobID, Error: "job not found"})
		return
	}
	c.sub.Watch(jobID)
	c.send(Message{Type: MessageStatus, JobID: jobID, Status: status})
}

func (c *wsClient) send(msg Message) {
	select {
	case c.direct <- msg:
	case <-c.stopped:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.stopped)
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.writeClose()
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				c.writeClose()
				return
			}
			if err := c.write(Message{Type: string(ev.Type), JobID: ev.JobID, Event: &ev}); err != nil {
				return
			}
		case msg := <-c.direct:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(msg Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		logf(c.opts.Logger, "websocket write error owner=%s: %v", c.sub.Owner(), err)
		return err
	}
	return nil
}

func (c *wsClient) writeClose() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func ownerOf(c *gin.Context, opts HandlerOptions) string {
	if opts.Owner == nil {
		return ""
	}
	return opts.Owner(c)
}

func lookupStatus(ctx context.Context, src StatusSource, jobID string) (*queue.Status, error) {
	if src == nil {
		return nil, nil
	}
	return src.Status(ctx, jobID)
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
