// Package handlers содержит HTTP обработчики для API устройств
package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"biosignal-service/internal/cache"
	"biosignal-service/internal/metrics"
	"biosignal-service/internal/models"
	"biosignal-service/internal/pipeline"
	"biosignal-service/internal/registry"
)

// Имена счетчиков в Redis
const (
	CounterTicks   = "ticks:total"
	CounterDropped = "ticks:dropped"
)

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	registry  *registry.Registry
	cache     *cache.RedisCache
	mqttUp    func() bool
	startTime time.Time
}

// NewHandler создает новый обработчик
// mqttUp может быть nil, если прием по MQTT выключен
func NewHandler(reg *registry.Registry, redisCache *cache.RedisCache, mqttUp func() bool) *Handler {
	return &Handler{
		registry:  reg,
		cache:     redisCache,
		mqttUp:    mqttUp,
		startTime: time.Now(),
	}
}

// Register привязывает маршруты API к роутеру
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/devices", h.DevicesHandler).Methods("GET")
	router.HandleFunc("/devices/{deviceID}/connect", h.ConnectHandler).Methods("POST")
	router.HandleFunc("/devices/{deviceID}/disconnect", h.DisconnectHandler).Methods("POST")
	router.HandleFunc("/devices/{deviceID}/contact", h.ContactHandler).Methods("POST")
	router.HandleFunc("/devices/{deviceID}/eeg", h.EEGHandler).Methods("POST")
	router.HandleFunc("/devices/{deviceID}/ppg", h.PPGHandler).Methods("POST")
	router.HandleFunc("/devices/{deviceID}/acc", h.ACCHandler).Methods("POST")
	router.HandleFunc("/devices/{deviceID}/snapshot", h.SnapshotHandler).Methods("GET")
	router.HandleFunc("/devices/{deviceID}/timeline", h.TimelineHandler).Methods("GET")
	router.HandleFunc("/devices/{deviceID}/session", h.SessionHandler).Methods("GET")
	router.HandleFunc("/health", h.HealthHandler).Methods("GET")
	router.HandleFunc("/stats", h.StatsHandler).Methods("GET")
}

// ConnectHandler обрабатывает POST /devices/{deviceID}/connect - подключение устройства
func (h *Handler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices/{deviceID}/connect", r.Method))
	defer timer.ObserveDuration()

	deviceID := mux.Vars(r)["deviceID"]
	h.registry.Connect(deviceID)
	metrics.ActiveDevices.Set(float64(h.registry.Count()))

	session := models.DeviceSession{
		SessionID:   uuid.NewString(),
		DeviceID:    deviceID,
		ConnectedAt: time.Now().UTC(),
	}
	if h.cache != nil {
		// Повторное подключение возвращает уже открытый сеанс
		if existing, err := h.cache.GetSession(deviceID); err == nil && existing != nil {
			session = *existing
		} else {
			_ = h.cache.CacheSession(session)
		}
	}

	metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/connect", r.Method, "200").Inc()
	h.respondJSON(w, session, http.StatusOK)
}

// DisconnectHandler обрабатывает POST /devices/{deviceID}/disconnect - отключение устройства
func (h *Handler) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices/{deviceID}/disconnect", r.Method))
	defer timer.ObserveDuration()

	deviceID := mux.Vars(r)["deviceID"]
	if !h.registry.Disconnect(deviceID) {
		h.respondError(w, "Device not found", http.StatusNotFound)
		metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/disconnect", r.Method, "404").Inc()
		return
	}

	metrics.ActiveDevices.Set(float64(h.registry.Count()))
	metrics.ResetDevice(deviceID)
	if h.cache != nil {
		_ = h.cache.DeleteSession(deviceID)
	}

	metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/disconnect", r.Method, "200").Inc()
	h.respondJSON(w, map[string]interface{}{
		"device_id":    deviceID,
		"disconnected": true,
	}, http.StatusOK)
}

// ContactHandler обрабатывает POST /devices/{deviceID}/contact - состояние контакта электродов
func (h *Handler) ContactHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices/{deviceID}/contact", r.Method))
	defer timer.ObserveDuration()

	p, ok := h.lookupPipeline(w, r, "/devices/{deviceID}/contact")
	if !ok {
		return
	}

	var state models.ContactState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/contact", r.Method, "400").Inc()
		return
	}

	p.SetContact(state)

	metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/contact", r.Method, "200").Inc()
	h.respondJSON(w, map[string]interface{}{
		"device_id": p.DeviceID(),
		"contact":   state,
	}, http.StatusOK)
}

// EEGHandler обрабатывает POST /devices/{deviceID}/eeg - прием тика ЭЭГ
func (h *Handler) EEGHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices/{deviceID}/eeg", r.Method))
	defer timer.ObserveDuration()

	p, ok := h.lookupPipeline(w, r, "/devices/{deviceID}/eeg")
	if !ok {
		return
	}

	var tick models.EEGTick
	if err := json.NewDecoder(r.Body).Decode(&tick); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/eeg", r.Method, "400").Inc()
		return
	}

	// Устанавливаем временную метку, если не указана
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}

	start := time.Now()
	rep := p.IngestEEG(tick)
	metrics.IngestLatency.WithLabelValues(models.ModalityEEG).Observe(time.Since(start).Seconds())
	metrics.RecordIngest(models.ModalityEEG, rep.Accepted, rep.Reason, rep.Substituted)
	h.countTick(rep)

	resp := models.IngestResponse{Accepted: rep.Accepted, Reason: rep.Reason}
	if rep.Accepted {
		snap := p.EEGSnapshot()
		resp.EEG = &snap
	}

	metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/eeg", r.Method, "200").Inc()
	h.respondJSON(w, resp, http.StatusOK)
}

// PPGHandler обрабатывает POST /devices/{deviceID}/ppg - прием тика ФПГ
func (h *Handler) PPGHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices/{deviceID}/ppg", r.Method))
	defer timer.ObserveDuration()

	p, ok := h.lookupPipeline(w, r, "/devices/{deviceID}/ppg")
	if !ok {
		return
	}

	var tick models.PPGTick
	if err := json.NewDecoder(r.Body).Decode(&tick); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/ppg", r.Method, "400").Inc()
		return
	}

	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}

	start := time.Now()
	rep := p.IngestPPG(tick)
	metrics.IngestLatency.WithLabelValues(models.ModalityPPG).Observe(time.Since(start).Seconds())
	metrics.RecordIngest(models.ModalityPPG, rep.Accepted, rep.Reason, rep.Substituted)
	h.countTick(rep)

	resp := models.IngestResponse{Accepted: rep.Accepted, Reason: rep.Reason}
	if rep.Accepted {
		snap := p.PPGSnapshot()
		resp.PPG = &snap
	}

	metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/ppg", r.Method, "200").Inc()
	h.respondJSON(w, resp, http.StatusOK)
}

// ACCHandler обрабатывает POST /devices/{deviceID}/acc - прием пакета акселерометра
func (h *Handler) ACCHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices/{deviceID}/acc", r.Method))
	defer timer.ObserveDuration()

	p, ok := h.lookupPipeline(w, r, "/devices/{deviceID}/acc")
	if !ok {
		return
	}

	var batch models.ACCBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/acc", r.Method, "400").Inc()
		return
	}

	if batch.Timestamp.IsZero() {
		batch.Timestamp = time.Now()
	}

	start := time.Now()
	rep := p.IngestACC(batch)
	metrics.IngestLatency.WithLabelValues(models.ModalityACC).Observe(time.Since(start).Seconds())
	metrics.RecordIngest(models.ModalityACC, rep.Accepted, rep.Reason, rep.Substituted)
	h.countTick(rep)

	resp := models.IngestResponse{Accepted: rep.Accepted, Reason: rep.Reason}
	if rep.Accepted {
		snap := p.ACCSnapshot()
		resp.ACC = &snap
	}

	metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/acc", r.Method, "200").Inc()
	h.respondJSON(w, resp, http.StatusOK)
}

// SnapshotHandler обрабатывает GET /devices/{deviceID}/snapshot - текущее состояние устройства
// Для недавно отключенного устройства отдается снимок из кэша
func (h *Handler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices/{deviceID}/snapshot", r.Method))
	defer timer.ObserveDuration()

	deviceID := mux.Vars(r)["deviceID"]
	p := h.registry.Get(deviceID)
	if p != nil {
		metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/snapshot", r.Method, "200").Inc()
		h.respondJSON(w, p.Snapshot(), http.StatusOK)
		return
	}

	if h.cache != nil {
		cached, err := h.cache.GetSnapshot(deviceID)
		if err == nil && cached != nil {
			metrics.CacheHits.Inc()
			metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/snapshot", r.Method, "200").Inc()
			h.respondJSON(w, cached, http.StatusOK)
			return
		}
		metrics.CacheMisses.Inc()
	}

	h.respondError(w, "Device not found", http.StatusNotFound)
	metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/snapshot", r.Method, "404").Inc()
}

// TimelineHandler обрабатывает GET /devices/{deviceID}/timeline - лента снимков из кэша
func (h *Handler) TimelineHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices/{deviceID}/timeline", r.Method))
	defer timer.ObserveDuration()

	count := int64(50)
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if c, err := strconv.ParseInt(countStr, 10, 64); err == nil && c > 0 && c <= cache.TimelineLength {
			count = c
		}
	}

	if h.cache == nil {
		h.respondError(w, "Cache not available", http.StatusServiceUnavailable)
		return
	}

	deviceID := mux.Vars(r)["deviceID"]
	snaps, err := h.cache.GetTimeline(deviceID, count)
	if err != nil {
		h.respondError(w, "Failed to get timeline: "+err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/timeline", r.Method, "200").Inc()
	h.respondJSON(w, map[string]interface{}{
		"device_id": deviceID,
		"count":     len(snaps),
		"snapshots": snaps,
	}, http.StatusOK)
}

// SessionHandler обрабатывает GET /devices/{deviceID}/session - запись о сеансе
func (h *Handler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices/{deviceID}/session", r.Method))
	defer timer.ObserveDuration()

	if h.cache == nil {
		h.respondError(w, "Cache not available", http.StatusServiceUnavailable)
		return
	}

	deviceID := mux.Vars(r)["deviceID"]
	session, err := h.cache.GetSession(deviceID)
	if err != nil {
		h.respondError(w, "Failed to get session: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if session == nil {
		h.respondError(w, "Session not found", http.StatusNotFound)
		metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/session", r.Method, "404").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues("/devices/{deviceID}/session", r.Method, "200").Inc()
	h.respondJSON(w, session, http.StatusOK)
}

// DevicesHandler обрабатывает GET /devices - список подключенных устройств
func (h *Handler) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/devices", r.Method))
	defer timer.ObserveDuration()

	devices := h.registry.Devices()

	metrics.RequestsTotal.WithLabelValues("/devices", r.Method, "200").Inc()
	h.respondJSON(w, map[string]interface{}{
		"count":   len(devices),
		"devices": devices,
	}, http.StatusOK)
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disconnected"
	if h.cache != nil && h.cache.Ping() == nil {
		redisStatus = "connected"
	}

	mqttStatus := "disabled"
	if h.mqttUp != nil {
		if h.mqttUp() {
			mqttStatus = "connected"
		} else {
			mqttStatus = "disconnected"
		}
	}

	status := models.HealthStatus{
		Status:        "healthy",
		Timestamp:     time.Now(),
		Redis:         redisStatus,
		MQTT:          mqttStatus,
		ActiveDevices: h.registry.Count(),
		Uptime:        time.Since(h.startTime).String(),
	}

	h.respondJSON(w, status, http.StatusOK)
}

// StatsHandler обрабатывает GET /stats - статистика сервиса
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/stats", r.Method))
	defer timer.ObserveDuration()

	// Обновляем метрику горутин
	metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))

	var total, dropped, glitch int64
	for _, snap := range h.registry.Snapshots() {
		total += snap.Stats.EEGTicks + snap.Stats.PPGTicks + snap.Stats.ACCSamples
		dropped += snap.Stats.DroppedTicks
		glitch += snap.Stats.GlitchSubstitutions
	}

	response := models.StatsResponse{
		ActiveDevices:       h.registry.Count(),
		TotalTicks:          total,
		DroppedTicks:        dropped,
		GlitchSubstitutions: glitch,
	}
	if h.cache != nil {
		response.LifetimeTicks, _ = h.cache.GetCounter(CounterTicks)
		response.LifetimeDropped, _ = h.cache.GetCounter(CounterDropped)
	}

	metrics.ActiveDevices.Set(float64(h.registry.Count()))

	metrics.RequestsTotal.WithLabelValues("/stats", r.Method, "200").Inc()
	h.respondJSON(w, response, http.StatusOK)
}

// lookupPipeline находит конвейер устройства или отвечает 404
func (h *Handler) lookupPipeline(w http.ResponseWriter, r *http.Request, endpoint string) (*pipeline.Pipeline, bool) {
	p := h.registry.Get(mux.Vars(r)["deviceID"])
	if p == nil {
		h.respondError(w, "Device not found", http.StatusNotFound)
		metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, "404").Inc()
		return nil, false
	}
	return p, true
}

// countTick обновляет счетчики приема в Redis
func (h *Handler) countTick(rep pipeline.IngestReport) {
	if h.cache == nil {
		return
	}
	if rep.Accepted {
		_, _ = h.cache.IncrementCounter(CounterTicks)
	} else {
		_, _ = h.cache.IncrementCounter(CounterDropped)
	}
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
