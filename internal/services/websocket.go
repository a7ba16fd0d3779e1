package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type WebSocketMessage struct {
	Type      string      `json:"type"`
	Room      string      `json:"room,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	From      string      `json:"from,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type WebSocketClient struct {
	ID     string
	UserID string
	OrgID  string
	Conn   *websocket.Conn
	Send   chan WebSocketMessage
	Hub    *WebSocketHub

	mu    sync.RWMutex
	rooms map[string]struct{}
}

func newWebSocketClient(hub *WebSocketHub, userID string, conn *websocket.Conn) *WebSocketClient {
	return &WebSocketClient{
		ID:     "client_" + uuid.NewString(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan WebSocketMessage, 256),
		Hub:    hub,
		rooms:  make(map[string]struct{}),
	}
}

func (c *WebSocketClient) inRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *WebSocketClient) setRoom(room string, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.rooms[room] = struct{}{}
	} else {
		delete(c.rooms, room)
	}
}

func (c *WebSocketClient) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// WebSocketHub 房间制实时转发：user:<id> 个人通知，change:<id> 变更协作
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger

	changeAccess ChangeAccessFunc
}

// ChangeAccessFunc 判断用户能否读取某个变更；返回错误即拒绝加入 change:<id> 房间
type ChangeAccessFunc func(ctx context.Context, userID, orgID, changeID string) error

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 由 CORS 与鉴权中间件控制来源
	},
}

func NewWebSocketHub(logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// SetChangeAccess 设置变更房间的读权限校验；未设置时任何已认证用户都可加入
func (h *WebSocketHub) SetChangeAccess(fn ChangeAccessFunc) {
	h.changeAccess = fn
}

func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("Client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("Client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if message.Room != "" && !client.inRoom(message.Room) {
					continue
				}
				select {
				case client.Send <- message:
				default:
					// 慢客户端直接断开
					close(client.Send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish 向房间推送消息；不保证顺序与送达
func (h *WebSocketHub) Publish(room string, message WebSocketMessage) {
	message.Room = room
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.WithField("room", room).Warn("websocket broadcast queue full, dropping message")
	}
}

func (h *WebSocketHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 升级连接；自动加入本人房间，可通过 ?room= 额外加入变更房间
func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "message": "missing user"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	client := newWebSocketClient(h, userID, conn)
	client.OrgID = c.GetString("org_id")
	client.setRoom(UserRoom(userID), true)
	if room := c.Query("room"); room != "" {
		if err := client.canJoin(room); err == nil {
			client.setRoom(room, true)
		}
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func UserRoom(userID string) string     { return "user:" + userID }
func ChangeRoom(changeID string) string { return "change:" + changeID }

// canJoin 个人房间只能加入自己的；变更房间要求对该变更有读权限
func (c *WebSocketClient) canJoin(room string) error {
	switch {
	case strings.HasPrefix(room, "user:"):
		if room != UserRoom(c.UserID) {
			return fmt.Errorf("cannot join another user's room")
		}
		return nil
	case strings.HasPrefix(room, "change:") && len(room) > len("change:"):
		if c.Hub == nil || c.Hub.changeAccess == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.Hub.changeAccess(ctx, c.UserID, c.OrgID, strings.TrimPrefix(room, "change:")); err != nil {
			return fmt.Errorf("cannot join %s", room)
		}
		return nil
	}
	return fmt.Errorf("unknown room %q", room)
}

func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			c.Hub.logger.Warn("Invalid message format: ", err)
			continue
		}
		c.handleMessage(message)
	}
}

func (c *WebSocketClient) handleMessage(message WebSocketMessage) {
	message.From = c.UserID
	message.Timestamp = time.Now()

	switch message.Type {
	case "join":
		if err := c.canJoin(message.Room); err != nil {
			c.reply("error", message.Room, err.Error())
			return
		}
		c.setRoom(message.Room, true)
		c.reply("joined", message.Room, nil)
	case "leave":
		c.setRoom(message.Room, false)
		c.reply("left", message.Room, nil)
	case "comment":
		// 只能向已加入的变更房间广播
		if !strings.HasPrefix(message.Room, "change:") || !c.inRoom(message.Room) {
			c.reply("error", message.Room, "join the room before posting")
			return
		}
		c.Hub.Publish(message.Room, message)
	case "ping":
		c.reply("pong", "", nil)
	default:
		c.Hub.logger.Warnf("Unknown message type: %s", message.Type)
	}
}

func (c *WebSocketClient) reply(msgType, room string, data interface{}) {
	c.Hub.deliver(c, WebSocketMessage{Type: msgType, Room: room, Data: data, Timestamp: time.Now()})
}

// deliver 直接发给单个客户端；Send 只会在持有写锁时关闭
func (h *WebSocketHub) deliver(c *WebSocketClient, message WebSocketMessage) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	select {
	case c.Send <- message:
	default:
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Error("WriteJSON error: ", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HubNotifier 将变更通知推送到收件人与变更房间
type HubNotifier struct {
	hub *WebSocketHub
}

func NewHubNotifier(hub *WebSocketHub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) Notify(_ context.Context, recipients []string, notificationType string, event ChangeEvent) error {
	msg := WebSocketMessage{Type: notificationType, Data: event, From: event.ActorID, Timestamp: event.OccurredAt}
	for _, uid := range recipients {
		n.hub.Publish(UserRoom(uid), msg)
	}
	if event.ChangeID != "" {
		n.hub.Publish(ChangeRoom(event.ChangeID), msg)
	}
	return nil
}
