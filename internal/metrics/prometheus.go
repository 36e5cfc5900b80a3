// Package metrics реализует экспорт метрик в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biosignal_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "biosignal_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint", "method"},
	)

	// TicksReceived количество принятых отсчетов по модальностям
	TicksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biosignal_ticks_received_total",
			Help: "Total number of signal ticks received",
		},
		[]string{"modality"},
	)

	// SamplesDropped количество отброшенных отсчетов с причиной
	SamplesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biosignal_samples_dropped_total",
			Help: "Total number of samples dropped by the quality gate",
		},
		[]string{"modality", "reason"},
	)

	// GlitchSubstitutions количество замен выпавших значений
	GlitchSubstitutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biosignal_glitch_substitutions_total",
			Help: "Total number of dropout values replaced by the last good sample",
		},
		[]string{"modality"},
	)

	// StabilizedValue стабилизированные значения метрик устройств
	StabilizedValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "biosignal_stabilized_value",
			Help: "Stabilized metric value per device",
		},
		[]string{"device", "modality", "metric"},
	)

	// ActiveDevices количество подключенных устройств
	ActiveDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "biosignal_active_devices",
			Help: "Number of currently connected devices",
		},
	)

	// WSClients количество подключенных WebSocket клиентов
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "biosignal_websocket_clients",
			Help: "Number of connected WebSocket clients",
		},
	)

	// MQTTMessages количество сообщений, принятых по MQTT
	MQTTMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biosignal_mqtt_messages_total",
			Help: "Total number of MQTT messages received",
		},
		[]string{"modality"},
	)

	// CacheHits попадания в кэш
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biosignal_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	// CacheMisses промахи кэша
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biosignal_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// ActiveGoroutines количество активных горутин
	ActiveGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "biosignal_active_goroutines",
			Help: "Number of active goroutines",
		},
	)

	// IngestLatency время обработки одного отсчета
	IngestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "biosignal_ingest_duration_seconds",
			Help:    "Tick ingestion latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05},
		},
		[]string{"modality"},
	)
)

// RecordIngest обновляет счетчики по результату приема отсчета
func RecordIngest(modality string, accepted bool, reason string, substituted int) {
	if accepted {
		TicksReceived.WithLabelValues(modality).Inc()
	} else {
		SamplesDropped.WithLabelValues(modality, reason).Inc()
	}
	if substituted > 0 {
		GlitchSubstitutions.WithLabelValues(modality).Add(float64(substituted))
	}
}

// UpdateStabilizedValues обновляет стабилизированные метрики устройства
func UpdateStabilizedValues(deviceID, modality string, values map[string]float64) {
	for name, value := range values {
		StabilizedValue.WithLabelValues(deviceID, modality, name).Set(value)
	}
}

// ResetDevice удаляет метрики отключенного устройства
func ResetDevice(deviceID string) {
	StabilizedValue.DeletePartialMatch(prometheus.Labels{"device": deviceID})
}
