// Package realtime доставляет события синхронизации подключённым UI-клиентам
// через websocket-подписки.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

// Broadcaster — исходящий порт событий синхронизации. Публикация не возвращает
// ошибку: доставка выполняется по принципу fire-and-forget.
type Broadcaster interface {
	Publish(ctx context.Context, ev model.SyncEvent)
}

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	sendBufferSize = 16
)

// Hub хранит websocket-подписки по идентификатору актора и рассылает события
// клиенту и бизнесу, которых событие касается.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	actorID string
	conn    *websocket.Conn
	send    chan []byte
}

// NewHub создаёт пустой хаб подписок.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish рассылает событие всем подпискам затронутых акторов. Медленные
// подписчики пропускают событие; ошибок наружу нет.
func (h *Hub) Publish(ctx context.Context, ev model.SyncEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("marshal sync event", zap.Error(err))
		return
	}

	recipients := []string{ev.CustomerID}
	if ev.BusinessID != "" && ev.BusinessID != ev.CustomerID {
		recipients = append(recipients, ev.BusinessID)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, actorID := range recipients {
		for sub := range h.subs[actorID] {
			select {
			case sub.send <- payload:
			default:
				h.logger.Warn("sync subscriber is slow, event dropped",
					zap.String("actor", actorID),
					zap.String("kind", string(ev.Kind)),
				)
			}
		}
	}
}

// Handle переводит HTTP-запрос в websocket-подписку указанного актора.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, actorID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{
		actorID: actorID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
	}

	if !h.register(sub) {
		conn.Close()
		return nil
	}

	go h.writePump(sub)
	go h.readPump(sub)

	return nil
}

func (h *Hub) register(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	if h.subs[sub.actorID] == nil {
		h.subs[sub.actorID] = make(map[*subscriber]struct{})
	}
	h.subs[sub.actorID][sub] = struct{}{}

	return true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[sub.actorID]
	if _, ok := set[sub]; !ok {
		return
	}

	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.actorID)
	}
	close(sub.send)
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sub.send:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump вычитывает входящие сообщения до закрытия соединения клиентом.
func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.unregister(sub)
		sub.conn.Close()
	}()

	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close закрывает все подписки. Новые подключения после закрытия отклоняются.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for _, set := range h.subs {
		for sub := range set {
			close(sub.send)
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
}

// Fanout публикует событие в несколько брокастеров по очереди.
type Fanout []Broadcaster

// Publish реализует Broadcaster.
func (f Fanout) Publish(ctx context.Context, ev model.SyncEvent) {
	for _, b := range f {
		b.Publish(ctx, ev)
	}
}
