// Package registry управляет жизненным циклом конвейеров подключенных устройств
package registry

import (
	"sort"
	"sync"

	"biosignal-service/internal/models"
	"biosignal-service/internal/pipeline"
)

// Registry хранит конвейеры активных подключений устройств
// Все конвейеры делят один буферизованный канал событий обновления
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
	updates   chan models.PipelineUpdate
}

// NewRegistry создает реестр с заданным буфером канала событий
func NewRegistry(updateBuffer int) *Registry {
	return &Registry{
		pipelines: make(map[string]*pipeline.Pipeline),
		updates:   make(chan models.PipelineUpdate, updateBuffer),
	}
}

// Connect создает конвейер для устройства
// Повторное подключение возвращает уже существующий конвейер
func (r *Registry) Connect(deviceID string) *pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pipelines[deviceID]; ok {
		return p
	}
	p := pipeline.NewPipeline(deviceID, r.updates)
	r.pipelines[deviceID] = p
	return p
}

// Get возвращает конвейер устройства или nil, если устройство не подключено
func (r *Registry) Get(deviceID string) *pipeline.Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipelines[deviceID]
}

// Disconnect сбрасывает конвейер устройства и удаляет его из реестра
func (r *Registry) Disconnect(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[deviceID]
	if !ok {
		return false
	}
	p.SetConnected(false)
	delete(r.pipelines, deviceID)
	return true
}

// Devices возвращает отсортированные идентификаторы активных устройств
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pipelines))
	for id := range r.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots возвращает снимки всех активных конвейеров
func (r *Registry) Snapshots() []models.DeviceSnapshot {
	r.mu.RLock()
	pipes := make([]*pipeline.Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		pipes = append(pipes, p)
	}
	r.mu.RUnlock()

	snaps := make([]models.DeviceSnapshot, 0, len(pipes))
	for _, p := range pipes {
		snaps = append(snaps, p.Snapshot())
	}
	return snaps
}

// Count возвращает число активных устройств
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pipelines)
}

// Updates возвращает канал событий обновления конвейеров
func (r *Registry) Updates() <-chan models.PipelineUpdate {
	return r.updates
}
