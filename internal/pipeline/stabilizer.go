package pipeline

const (
	// MinSamples минимальное число накопленных отсчетов модальности,
	// после которого начинается пересчет стабилизированных значений
	MinSamples = 10
	// EEGHistoryCapacity емкость истории метрик ЭЭГ
	EEGHistoryCapacity = 120
	// PPGHistoryCapacity емкость истории метрик ФПГ
	PPGHistoryCapacity = 300
	// ACCHistoryCapacity емкость истории амплитуды движения
	ACCHistoryCapacity = 600
	// StabilizeWindow окно скользящего среднего для метрик ФПГ и движения
	StabilizeWindow = 100
)

// MetricSpec описывает одну метрику в банке стабилизации
type MetricSpec struct {
	Name     string
	Capacity int
	// Window размер окна усреднения; 0 означает всю историю
	Window int
	// GlitchGuard защита от провалов: нулевой или некорректный новый отсчет
	// заменяется последним значением, уже записанным в историю
	GlitchGuard bool
}

// metricState хранит историю одной метрики вместе с ее описанием
type metricState struct {
	spec    MetricSpec
	history *RollingHistory
}

// Stabilizer ведет истории и стабилизированные значения метрик одной модальности
type Stabilizer struct {
	order     []string
	states    map[string]*metricState
	values    map[string]float64
	committed int
}

// NewStabilizer создает банк стабилизации по описаниям метрик
func NewStabilizer(specs []MetricSpec) *Stabilizer {
	s := &Stabilizer{
		order:  make([]string, 0, len(specs)),
		states: make(map[string]*metricState, len(specs)),
		values: make(map[string]float64, len(specs)),
	}
	for _, spec := range specs {
		s.order = append(s.order, spec.Name)
		s.states[spec.Name] = &metricState{
			spec:    spec,
			history: NewRollingHistory(spec.Capacity),
		}
	}
	return s
}

// Observe записывает один отсчет метрики, применяя защиту от провалов
// Возвращает признаки: записан ли отсчет и была ли выполнена замена
func (s *Stabilizer) Observe(name string, v float64) (recorded, substituted bool) {
	st, ok := s.states[name]
	if !ok {
		return false, false
	}
	if st.spec.GlitchGuard && (v == 0 || !isValid(v)) {
		last, ok := st.history.Last()
		if !ok {
			// Заменять нечем, отсчет отбрасывается
			return false, false
		}
		st.history.Push(last)
		return true, true
	}
	st.history.Push(v)
	return true, false
}

// Commit фиксирует n принятых отсчетов модальности и, когда накоплен
// минимум MinSamples, пересчитывает стабилизированные значения всех метрик:
// среднее арифметическое отфильтрованного окна, 0 при пустом окне
func (s *Stabilizer) Commit(n int) {
	s.committed += n
	if s.committed < MinSamples {
		return
	}
	for _, name := range s.order {
		st := s.states[name]
		s.values[name] = mean(st.history.Snapshot(st.spec.Window))
	}
}

// Value возвращает последнее стабилизированное значение метрики (0 по умолчанию)
func (s *Stabilizer) Value(name string) float64 {
	return s.values[name]
}

// LastValid возвращает последний конечный отсчет метрики
func (s *Stabilizer) LastValid(name string) (float64, bool) {
	st, ok := s.states[name]
	if !ok {
		return 0, false
	}
	return st.history.LastValid()
}

// Committed возвращает накопленное число отсчетов модальности
func (s *Stabilizer) Committed() int {
	return s.committed
}

// Reset очищает истории, стабилизированные значения и счетчик отсчетов
func (s *Stabilizer) Reset() {
	for _, st := range s.states {
		st.history.Reset()
	}
	s.values = make(map[string]float64, len(s.states))
	s.committed = 0
}

// history возвращает историю метрики для инспекции внутри пакета
func (s *Stabilizer) history(name string) *RollingHistory {
	st, ok := s.states[name]
	if !ok {
		return nil
	}
	return st.history
}

// mean возвращает среднее арифметическое, для пустого среза 0
func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
