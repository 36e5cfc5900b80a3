// Package main запускает сервис обработки потоковых биосигналов
// Сервис реализует:
// - HTTP API и MQTT для приема отсчетов ЭЭГ, ФПГ и акселерометра
// - Стабилизацию показателей скользящим средним с отбраковкой мусора
// - Подстановку последнего значения при выпадениях сигнала ФПГ
// - Кэширование снимков и ленты снимков в Redis
// - Трансляцию снимков по WebSocket
// - Экспорт метрик в Prometheus
package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"biosignal-service/internal/cache"
	"biosignal-service/internal/handlers"
	"biosignal-service/internal/ingest"
	"biosignal-service/internal/metrics"
	"biosignal-service/internal/registry"
	"biosignal-service/internal/ws"
)

// Config содержит конфигурацию сервиса
type Config struct {
	ServerAddr      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	MQTTBroker      string
	MQTTClientID    string
	UpdateBuffer    int
	RefreshInterval time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

func main() {
	log.Println("Starting Biosignal Service...")
	log.Printf("Go version: %s", runtime.Version())
	log.Printf("NumCPU: %d", runtime.NumCPU())

	// Загружаем конфигурацию
	cfg := loadConfig()

	// Реестр конвейеров устройств
	reg := registry.NewRegistry(cfg.UpdateBuffer)

	// Инициализируем Redis кэш
	var redisCache *cache.RedisCache
	var err error

	// Пробуем подключиться к Redis с повторами
	for i := 0; i < 5; i++ {
		redisCache, err = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err == nil {
			log.Printf("Connected to Redis at %s", cfg.RedisAddr)
			break
		}
		log.Printf("Redis connection attempt %d failed: %v", i+1, err)
		if i < 4 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}

	if err != nil {
		log.Printf("Warning: Failed to connect to Redis, running without cache: %v", err)
		redisCache = nil
	}

	// Прием по MQTT включается, если задан адрес брокера
	var consumer *ingest.Consumer
	var mqttUp func() bool
	if cfg.MQTTBroker != "" {
		consumer, err = ingest.NewConsumer(cfg.MQTTBroker, cfg.MQTTClientID, reg, redisCache)
		if err != nil {
			log.Printf("Warning: Failed to connect to MQTT broker, running without MQTT: %v", err)
		} else {
			log.Printf("Subscribed to %s at %s", ingest.TopicFilter, cfg.MQTTBroker)
			mqttUp = consumer.IsConnected
		}
	}

	// Хаб WebSocket клиентов
	hub := ws.NewHub()

	// Создаем обработчики
	handler := handlers.NewHandler(reg, redisCache, mqttUp)

	// Настраиваем маршруты
	router := mux.NewRouter()
	handler.Register(router)

	// WebSocket трансляция снимков
	router.HandleFunc("/ws", hub.ServeWS)

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	// pprof для профилирования
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	// Middleware для логирования и метрик
	router.Use(loggingMiddleware)
	router.Use(metricsMiddleware)

	// Создаем HTTP сервер с настройками таймаутов
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Запускаем горутину публикации снимков
	done := make(chan struct{})
	go refreshLoop(reg, redisCache, hub, cfg.RefreshInterval, done)

	// Запускаем горутину обработки событий конвейеров
	go consumeUpdates(reg)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Запускаем сервер в горутине
	go func() {
		log.Printf("Server listening on %s", cfg.ServerAddr)
		log.Printf("Endpoints:")
		log.Printf("  POST /devices/{id}/connect    - Register device")
		log.Printf("  POST /devices/{id}/disconnect - Remove device")
		log.Printf("  POST /devices/{id}/contact    - Update electrode contact")
		log.Printf("  POST /devices/{id}/eeg        - Submit EEG tick")
		log.Printf("  POST /devices/{id}/ppg        - Submit PPG tick")
		log.Printf("  POST /devices/{id}/acc        - Submit accelerometer batch")
		log.Printf("  GET  /devices                 - List connected devices")
		log.Printf("  GET  /devices/{id}/snapshot   - Device state snapshot")
		log.Printf("  GET  /devices/{id}/timeline   - Snapshot history")
		log.Printf("  GET  /devices/{id}/session    - Session record")
		log.Printf("  GET  /ws                      - WebSocket snapshot feed")
		log.Printf("  GET  /health                  - Health check")
		log.Printf("  GET  /stats                   - Service statistics")
		log.Printf("  GET  /prometheus              - Prometheus metrics")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Ожидаем сигнал завершения
	<-stop
	log.Println("Shutting down server...")

	// Контекст с таймаутом для завершения
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Останавливаем публикацию снимков
	close(done)

	// Отключаемся от MQTT брокера
	if consumer != nil {
		consumer.Close()
	}

	// Закрываем WebSocket соединения
	hub.Close()

	// Закрываем Redis
	if redisCache != nil {
		redisCache.Close()
	}

	// Завершаем HTTP сервер
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// loadConfig загружает конфигурацию из переменных окружения
func loadConfig() Config {
	return Config{
		ServerAddr:      getEnv("SERVER_ADDR", ":8080"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "biosignal-service"),
		UpdateBuffer:    getEnvInt("UPDATE_BUFFER", 1024),
		RefreshInterval: getEnvDuration("REFRESH_INTERVAL", time.Second),
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
	}
}

// getEnv получает переменную окружения с значением по умолчанию
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt получает целочисленную переменную окружения
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration получает переменную окружения с длительностью
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// metricsMiddleware обновляет метрики для каждого запроса
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))
		next.ServeHTTP(w, r)
	})
}

// refreshLoop периодически публикует снимки устройств: кэш, WebSocket, метрики
func refreshLoop(reg *registry.Registry, redisCache *cache.RedisCache, hub *ws.Hub, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snaps := reg.Snapshots()
			metrics.ActiveDevices.Set(float64(len(snaps)))
			if len(snaps) == 0 {
				continue
			}

			if redisCache != nil {
				for _, snap := range snaps {
					if err := redisCache.CacheSnapshot(snap); err != nil {
						log.Printf("Failed to cache snapshot for %s: %v", snap.DeviceID, err)
					}
				}
			}

			if err := hub.BroadcastSnapshots(snaps); err != nil {
				log.Printf("Failed to broadcast snapshots: %v", err)
			}
		}
	}
}

// consumeUpdates обрабатывает события конвейеров и обновляет Prometheus гейджи
func consumeUpdates(reg *registry.Registry) {
	for update := range reg.Updates() {
		p := reg.Get(update.DeviceID)
		if p == nil {
			continue
		}
		metrics.UpdateStabilizedValues(update.DeviceID, update.Modality, p.StabilizedValues(update.Modality))
	}
}
