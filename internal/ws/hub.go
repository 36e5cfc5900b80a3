// Package ws реализует трансляцию снимков состояния по WebSocket
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"biosignal-service/internal/metrics"
	"biosignal-service/internal/models"
)

const writeTimeout = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub хранит активные WebSocket соединения с фильтрами по устройству
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]string
}

// NewHub создает новый пустой хаб
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]string)}
}

// Add регистрирует соединение; пустой фильтр подписывает на все устройства
func (h *Hub) Add(c *websocket.Conn, deviceFilter string) {
	h.mu.Lock()
	h.conns[c] = deviceFilter
	h.mu.Unlock()
	metrics.WSClients.Inc()
}

// Remove удаляет соединение из хаба
func (h *Hub) Remove(c *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		metrics.WSClients.Dec()
	}
	h.mu.Unlock()
}

// Count возвращает количество активных соединений
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

type client struct {
	conn   *websocket.Conn
	filter string
}

func (h *Hub) clients() []client {
	h.mu.Lock()
	out := make([]client, 0, len(h.conns))
	for c, f := range h.conns {
		out = append(out, client{conn: c, filter: f})
	}
	h.mu.Unlock()
	return out
}

// BroadcastSnapshots рассылает снимки клиентам с учетом их фильтров
// Клиенты с ошибкой записи закрываются и удаляются
func (h *Hub) BroadcastSnapshots(snaps []models.DeviceSnapshot) error {
	clients := h.clients()
	if len(clients) == 0 {
		return nil
	}

	full, err := json.Marshal(snaps)
	if err != nil {
		return err
	}
	filtered := make(map[string][]byte)

	for _, cl := range clients {
		payload := full
		if cl.filter != "" {
			data, ok := filtered[cl.filter]
			if !ok {
				data = marshalForDevice(snaps, cl.filter)
				filtered[cl.filter] = data
			}
			// Нет снимка отслеживаемого устройства, клиент пропускается
			if data == nil {
				continue
			}
			payload = data
		}
		h.write(cl.conn, payload)
	}
	return nil
}

// write отправляет сообщение одному клиенту
func (h *Hub) write(c *websocket.Conn, data []byte) {
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = c.Close()
		h.Remove(c)
	}
}

// marshalForDevice сериализует снимки одного устройства, nil если их нет
func marshalForDevice(snaps []models.DeviceSnapshot, deviceID string) []byte {
	for _, snap := range snaps {
		if snap.DeviceID == deviceID {
			data, err := json.Marshal([]models.DeviceSnapshot{snap})
			if err != nil {
				return nil
			}
			return data
		}
	}
	return nil
}

// ServeWS обрабатывает подключение нового WebSocket клиента
// Параметр запроса device ограничивает подписку одним устройством
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.Add(conn, r.URL.Query().Get("device"))
	defer func() {
		h.Remove(conn)
		conn.Close()
	}()

	// Читаем до закрытия, входящие сообщения игнорируются
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Close закрывает все активные соединения
func (h *Hub) Close() {
	for _, cl := range h.clients() {
		_ = cl.conn.Close()
		h.Remove(cl.conn)
	}
}
