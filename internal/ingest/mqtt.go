// Package ingest реализует прием отсчетов устройств по MQTT
package ingest

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"biosignal-service/internal/cache"
	"biosignal-service/internal/metrics"
	"biosignal-service/internal/models"
	"biosignal-service/internal/registry"
)

const (
	// TopicPrefix общий префикс топиков устройств
	TopicPrefix = "biosignal/"
	// TopicFilter шаблон подписки на все топики устройств
	TopicFilter = "biosignal/+/+"

	connectTimeout   = 10 * time.Second
	subscribeTimeout = 10 * time.Second
)

// Причины отбрасывания сообщений для метрик
const (
	reasonUnknownDevice = "unknown_device"
	reasonBadPayload    = "bad_payload"
	reasonBadTopic      = "bad_topic"
)

// Consumer принимает сообщения устройств из MQTT брокера
// и передает их в конвейеры обработки
type Consumer struct {
	client   paho.Client
	registry *registry.Registry
	cache    *cache.RedisCache
}

// NewConsumer подключается к брокеру и подписывается на топики устройств
// Подписка оформляется в обработчике соединения и переживает переподключения
func NewConsumer(broker, clientID string, reg *registry.Registry, c *cache.RedisCache) (*Consumer, error) {
	cons := &Consumer{
		registry: reg,
		cache:    c,
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(cons.subscribe)

	client := paho.NewClient(opts)
	cons.client = client

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return cons, nil
}

// subscribe оформляет подписку, вызывается при каждом установлении соединения
func (c *Consumer) subscribe(client paho.Client) {
	token := client.Subscribe(TopicFilter, 1, c.handleMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		log.Printf("MQTT subscribe timeout on %s", TopicFilter)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("Failed to subscribe to %s: %v", TopicFilter, err)
	}
}

func (c *Consumer) handleMessage(_ paho.Client, msg paho.Message) {
	c.Handle(msg.Topic(), msg.Payload())
}

// Handle разбирает топик и передает полезную нагрузку в конвейер устройства
func (c *Consumer) Handle(topic string, payload []byte) {
	deviceID, kind, ok := parseTopic(topic)
	if !ok {
		metrics.SamplesDropped.WithLabelValues("mqtt", reasonBadTopic).Inc()
		return
	}
	metrics.MQTTMessages.WithLabelValues(kind).Inc()

	switch kind {
	case "connect":
		c.registry.Connect(deviceID)
		c.storeSession(deviceID)
		return
	case "disconnect":
		c.registry.Disconnect(deviceID)
		c.dropSession(deviceID)
		return
	}

	p := c.registry.Get(deviceID)
	if p == nil {
		metrics.SamplesDropped.WithLabelValues(kind, reasonUnknownDevice).Inc()
		return
	}

	switch kind {
	case "contact":
		var state models.ContactState
		if err := json.Unmarshal(payload, &state); err != nil {
			metrics.SamplesDropped.WithLabelValues(kind, reasonBadPayload).Inc()
			return
		}
		p.SetContact(state)
	case models.ModalityEEG:
		var tick models.EEGTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			metrics.SamplesDropped.WithLabelValues(kind, reasonBadPayload).Inc()
			return
		}
		rep := p.IngestEEG(tick)
		metrics.RecordIngest(models.ModalityEEG, rep.Accepted, rep.Reason, rep.Substituted)
	case models.ModalityPPG:
		var tick models.PPGTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			metrics.SamplesDropped.WithLabelValues(kind, reasonBadPayload).Inc()
			return
		}
		rep := p.IngestPPG(tick)
		metrics.RecordIngest(models.ModalityPPG, rep.Accepted, rep.Reason, rep.Substituted)
	case models.ModalityACC:
		var batch models.ACCBatch
		if err := json.Unmarshal(payload, &batch); err != nil {
			metrics.SamplesDropped.WithLabelValues(kind, reasonBadPayload).Inc()
			return
		}
		rep := p.IngestACC(batch)
		metrics.RecordIngest(models.ModalityACC, rep.Accepted, rep.Reason, rep.Substituted)
	}
}

func (c *Consumer) storeSession(deviceID string) {
	if c.cache == nil {
		return
	}
	session := models.DeviceSession{
		SessionID:   uuid.NewString(),
		DeviceID:    deviceID,
		ConnectedAt: time.Now().UTC(),
	}
	if err := c.cache.CacheSession(session); err != nil {
		log.Printf("Failed to cache session for %s: %v", deviceID, err)
	}
}

func (c *Consumer) dropSession(deviceID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.DeleteSession(deviceID); err != nil {
		log.Printf("Failed to delete session for %s: %v", deviceID, err)
	}
}

// IsConnected сообщает, активно ли подключение к брокеру
func (c *Consumer) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Close отключается от брокера
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Disconnect(1000)
	}
}

// parseTopic выделяет идентификатор устройства и вид сообщения из топика
// Топики с неизвестным видом сообщения отвергаются целиком
func parseTopic(topic string) (deviceID, kind string, ok bool) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(topic, TopicPrefix), "/")
	if len(parts) != 2 || parts[0] == "" || !knownKind(parts[1]) {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// knownKind проверяет вид сообщения по закрытому набору
// Сырые сегменты топика не должны попадать в значения меток метрик
func knownKind(kind string) bool {
	switch kind {
	case "connect", "disconnect", "contact",
		models.ModalityEEG, models.ModalityPPG, models.ModalityACC:
		return true
	}
	return false
}
