// Package ws 看护人应用在前台时的应用内报警通道
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"eldercare-alert/internal/escalator"
	"eldercare-alert/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ObserverHeader 看护人身份头
const ObserverHeader = "X-Observer-ID"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client 一个 WebSocket 连接，只接收所属看护人的消息
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	observerID string
}

type envelope struct {
	observerID string
	data       []byte
}

// Hub 维护连接并按看护人分发消息
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run 事件循环，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				observability.WSConnections.Dec()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			h.logger.Debug("WS client connected",
				zap.String("observer_id", client.observerID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				observability.WSConnections.Dec()
			}
			h.mu.Unlock()
			h.logger.Debug("WS client disconnected",
				zap.String("observer_id", client.observerID),
			)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.observerID != message.observerID {
					continue
				}
				select {
				case client.send <- message.data:
				default:
					// 客户端缓冲区已满，断开
					delete(h.clients, client)
					close(client.send)
					observability.WSConnections.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish 实现 escalator.InAppChannel
func (h *Hub) Publish(observerID string, msg escalator.InAppMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal ws message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- envelope{observerID: observerID, data: data}:
	default:
		h.logger.Warn("WS broadcast queue full, message dropped",
			zap.String("observer_id", observerID),
		)
	}
}

// Connections 某个看护人的连接数
func (h *Hub) Connections(observerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.observerID == observerID {
			n++
		}
	}
	return n
}

// HandleWS 处理 WebSocket 升级，看护人身份取自 X-Observer-ID 头或 observer_id 参数
func (h *Hub) HandleWS(c *gin.Context) {
	observerID := c.GetHeader(ObserverHeader)
	if observerID == "" {
		observerID = c.Query("observer_id")
	}
	if observerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": -1, "message": "observer id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WS upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:       conn,
		send:       make(chan []byte, 64),
		observerID: observerID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		// 客户端不发送业务消息，只用于检测断开
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
