// Package cache реализует кэширование снимков состояния устройств в Redis
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"biosignal-service/internal/models"
)

const (
	// SnapshotKeyPrefix префикс ключа последнего снимка устройства
	SnapshotKeyPrefix = "biosignal:snapshot:"
	// TimelineKeyPrefix префикс ключа ленты снимков устройства
	TimelineKeyPrefix = "biosignal:timeline:"
	// SessionKeyPrefix префикс ключа записи о сеансе подключения
	SessionKeyPrefix = "biosignal:session:"
	// CounterKeyPrefix префикс ключей счетчиков сервиса
	CounterKeyPrefix = "biosignal:counter:"
	// TimelineLength максимальная длина ленты снимков
	TimelineLength = 1000
	// SnapshotTTL время жизни последнего снимка
	SnapshotTTL = 5 * time.Minute
	// TimelineTTL время жизни ленты снимков
	TimelineTTL = 1 * time.Hour
	// SessionTTL время жизни записи о сеансе
	SessionTTL = 24 * time.Hour
)

// RedisCache реализует кэширование в Redis
type RedisCache struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisCache создает новое подключение к Redis
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx := context.Background()

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ctx:    ctx,
	}, nil
}

// CacheSnapshot сохраняет снимок устройства: последний снимок и лента снимков
func (r *RedisCache) CacheSnapshot(snap models.DeviceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	timelineKey := TimelineKeyPrefix + snap.DeviceID

	pipe := r.client.Pipeline()
	pipe.Set(r.ctx, SnapshotKeyPrefix+snap.DeviceID, data, SnapshotTTL)
	pipe.LPush(r.ctx, timelineKey, data)
	pipe.LTrim(r.ctx, timelineKey, 0, TimelineLength-1)
	pipe.Expire(r.ctx, timelineKey, TimelineTTL)

	_, err = pipe.Exec(r.ctx)
	if err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}

	return nil
}

// GetSnapshot возвращает последний сохраненный снимок устройства
// Отсутствие снимка не является ошибкой
func (r *RedisCache) GetSnapshot(deviceID string) (*models.DeviceSnapshot, error) {
	data, err := r.client.Get(r.ctx, SnapshotKeyPrefix+deviceID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap models.DeviceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// GetTimeline возвращает последние count снимков устройства
func (r *RedisCache) GetTimeline(deviceID string, count int64) ([]models.DeviceSnapshot, error) {
	data, err := r.client.LRange(r.ctx, TimelineKeyPrefix+deviceID, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get timeline: %w", err)
	}

	snaps := make([]models.DeviceSnapshot, 0, len(data))
	for _, d := range data {
		var s models.DeviceSnapshot
		if err := json.Unmarshal([]byte(d), &s); err != nil {
			continue
		}
		snaps = append(snaps, s)
	}

	return snaps, nil
}

// CacheSession сохраняет запись о сеансе подключения устройства
func (r *RedisCache) CacheSession(s models.DeviceSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return r.client.Set(r.ctx, SessionKeyPrefix+s.DeviceID, data, SessionTTL).Err()
}

// GetSession возвращает запись о сеансе устройства
func (r *RedisCache) GetSession(deviceID string) (*models.DeviceSession, error) {
	data, err := r.client.Get(r.ctx, SessionKeyPrefix+deviceID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s models.DeviceSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// DeleteSession удаляет запись о сеансе устройства
func (r *RedisCache) DeleteSession(deviceID string) error {
	return r.client.Del(r.ctx, SessionKeyPrefix+deviceID).Err()
}

// IncrementCounter увеличивает счетчик на единицу
func (r *RedisCache) IncrementCounter(name string) (int64, error) {
	return r.client.Incr(r.ctx, CounterKeyPrefix+name).Result()
}

// IncrementCounterBy увеличивает счетчик на n
func (r *RedisCache) IncrementCounterBy(name string, n int64) (int64, error) {
	return r.client.IncrBy(r.ctx, CounterKeyPrefix+name, n).Result()
}

// GetCounter возвращает значение счетчика
func (r *RedisCache) GetCounter(name string) (int64, error) {
	val, err := r.client.Get(r.ctx, CounterKeyPrefix+name).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// Ping проверяет соединение с Redis
func (r *RedisCache) Ping() error {
	return r.client.Ping(r.ctx).Err()
}

// Close закрывает соединение
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// FlushDB очищает базу (только для тестов)
func (r *RedisCache) FlushDB() error {
	return r.client.FlushDB(r.ctx).Err()
}
