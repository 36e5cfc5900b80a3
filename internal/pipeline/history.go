// Package pipeline реализует конвейер стабилизации биосигналов
// Включает кольцевые истории метрик, скользящее среднее для сглаживания,
// синтез составных индексов и классификацию состояний по порогам
package pipeline

import "math"

// RollingHistory хранит ограниченную историю сырых значений одной метрики
// Вставка только в конец; порядок хранения совпадает с порядком поступления
type RollingHistory struct {
	values   []float64
	capacity int
	head     int
	count    int
}

// NewRollingHistory создает историю заданной емкости
func NewRollingHistory(capacity int) *RollingHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &RollingHistory{
		values:   make([]float64, capacity),
		capacity: capacity,
	}
}

// Push добавляет значение; при переполнении вытесняется один самый старый элемент
func (h *RollingHistory) Push(v float64) {
	if h.count < h.capacity {
		h.values[(h.head+h.count)%h.capacity] = v
		h.count++
		return
	}
	h.values[h.head] = v
	h.head = (h.head + 1) % h.capacity
}

// Len возвращает текущее количество элементов
func (h *RollingHistory) Len() int {
	return h.count
}

// Last возвращает самый свежий сырой элемент
func (h *RollingHistory) Last() (float64, bool) {
	if h.count == 0 {
		return 0, false
	}
	return h.values[(h.head+h.count-1)%h.capacity], true
}

// LastValid возвращает самый свежий конечный элемент
// Некорректные сырые значения пропускаются так же, как при усреднении
func (h *RollingHistory) LastValid() (float64, bool) {
	for i := h.count - 1; i >= 0; i-- {
		v := h.values[(h.head+i)%h.capacity]
		if isValid(v) {
			return v, true
		}
	}
	return 0, false
}

// Snapshot возвращает до maxSize последних элементов в хронологическом
// порядке, отфильтровав NaN и бесконечности. Фильтрация выполняется только
// при чтении: некорректные сырые значения остаются записанными в истории
func (h *RollingHistory) Snapshot(maxSize int) []float64 {
	n := h.count
	if maxSize > 0 && maxSize < n {
		n = maxSize
	}
	out := make([]float64, 0, n)
	for i := h.count - n; i < h.count; i++ {
		v := h.values[(h.head+i)%h.capacity]
		if isValid(v) {
			out = append(out, v)
		}
	}
	return out
}

// Values возвращает все элементы в хронологическом порядке без фильтрации
func (h *RollingHistory) Values() []float64 {
	out := make([]float64, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, h.values[(h.head+i)%h.capacity])
	}
	return out
}

// Reset очищает историю
func (h *RollingHistory) Reset() {
	h.head = 0
	h.count = 0
}

// isValid сообщает, пригодно ли значение для усреднения
func isValid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
