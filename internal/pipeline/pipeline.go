package pipeline

import (
	"math"
	"sync"
	"time"

	"biosignal-service/internal/models"
)

// Имена метрик конвейера
const (
	MetricFocus         = "focus_index"
	MetricRelaxation    = "relaxation_index"
	MetricStress        = "stress_index"
	MetricCognitiveLoad = "cognitive_load"
	MetricTotalPower    = "total_power"
	MetricAttention     = "attention_level"
	MetricMeditation    = "meditation_level"

	MetricHeartRate = "heart_rate"
	MetricRMSSD     = "rmssd"
	MetricSDNN      = "sdnn"
	MetricPNN50     = "pnn50"
	MetricPNN20     = "pnn20"
	MetricSDSD      = "sdsd"
	MetricAVNN      = "avnn"
	MetricLFPower   = "lf_power"
	MetricHFPower   = "hf_power"
	MetricLFHF      = "lf_hf_ratio"
	MetricSpO2      = "spo2"
	MetricHRMax     = "hr_max"
	MetricHRMin     = "hr_min"

	MetricMovement = "movement"
)

const (
	// AttentionFocusWeight вес индекса концентрации в синтезе attention_level
	AttentionFocusWeight = 0.8
	// AttentionPowerWeight вес суммарной мощности в синтезе attention_level
	AttentionPowerWeight = 0.2
	// MeditationRelaxWeight вес индекса расслабления в синтезе meditation_level
	MeditationRelaxWeight = 0.7
	// MeditationStressWeight вес инверсии стресса в синтезе meditation_level
	MeditationStressWeight = 0.3
	// MovementScale переводит среднюю скорректированную амплитуду в проценты g
	MovementScale = 100
)

// Причины отбрасывания тиков при закрытом гейте
const (
	DropNotConnected = "not_connected"
	DropPoorContact  = "poor_contact"
)

// eegSpecs описывает метрики ЭЭГ: первичные индексы и составные,
// усреднение по всей истории из 120 отсчетов
func eegSpecs() []MetricSpec {
	names := []string{
		MetricFocus, MetricRelaxation, MetricStress,
		MetricCognitiveLoad, MetricTotalPower,
		MetricAttention, MetricMeditation,
	}
	specs := make([]MetricSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, MetricSpec{Name: name, Capacity: EEGHistoryCapacity})
	}
	return specs
}

// ppgSpecs описывает метрики ФПГ; показатели ВСР защищены от провалов,
// поскольку движок анализа периодически выдает для них нулевые сбои
func ppgSpecs() []MetricSpec {
	plain := []string{MetricHeartRate, MetricSpO2, MetricHRMax, MetricHRMin}
	guarded := []string{
		MetricRMSSD, MetricSDNN, MetricPNN50, MetricPNN20, MetricSDSD,
		MetricAVNN, MetricLFPower, MetricHFPower, MetricLFHF, MetricStress,
	}
	specs := make([]MetricSpec, 0, len(plain)+len(guarded))
	for _, name := range plain {
		specs = append(specs, MetricSpec{
			Name:     name,
			Capacity: PPGHistoryCapacity,
			Window:   StabilizeWindow,
		})
	}
	for _, name := range guarded {
		specs = append(specs, MetricSpec{
			Name:        name,
			Capacity:    PPGHistoryCapacity,
			Window:      StabilizeWindow,
			GlitchGuard: true,
		})
	}
	return specs
}

// accSpecs описывает единственную метрику движения
func accSpecs() []MetricSpec {
	return []MetricSpec{{
		Name:     MetricMovement,
		Capacity: ACCHistoryCapacity,
		Window:   StabilizeWindow,
	}}
}

// IngestReport итог приема одного тика
type IngestReport struct {
	Accepted    bool
	Reason      string
	Recorded    int
	Substituted int
}

// Pipeline конвейер стабилизации, привязанный к одному активному
// подключению устройства. Вся изменяемая история принадлежит только ему
type Pipeline struct {
	mu        sync.RWMutex
	deviceID  string
	connected bool
	contact   models.ContactState
	eeg       *Stabilizer
	ppg       *Stabilizer
	acc       *Stabilizer
	stats     models.PipelineStats
	updates   chan<- models.PipelineUpdate
}

// NewPipeline создает конвейер для подключенного устройства
func NewPipeline(deviceID string, updates chan<- models.PipelineUpdate) *Pipeline {
	return &Pipeline{
		deviceID:  deviceID,
		connected: true,
		eeg:       NewStabilizer(eegSpecs()),
		ppg:       NewStabilizer(ppgSpecs()),
		acc:       NewStabilizer(accSpecs()),
		updates:   updates,
	}
}

// DeviceID возвращает идентификатор устройства
func (p *Pipeline) DeviceID() string {
	return p.deviceID
}

// Connected возвращает флаг подключения устройства
func (p *Pipeline) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// SetConnected обновляет флаг подключения
// Переход из подключенного состояния в отключенное сбрасывает конвейер
func (p *Pipeline) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.connected
	p.connected = connected
	if was && !connected {
		p.resetLocked()
	}
}

// SetContact обновляет флаги lead-off каналов
func (p *Pipeline) SetContact(c models.ContactState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contact = c
}

// resetLocked возвращает конвейер к начальному пустому состоянию
func (p *Pipeline) resetLocked() {
	p.eeg.Reset()
	p.ppg.Reset()
	p.acc.Reset()
	p.stats = models.PipelineStats{}
}

// gateEEGLocked проверяет гейт качества для ЭЭГ: устройство подключено
// и оба канала в контакте с кожей
func (p *Pipeline) gateEEGLocked() (string, bool) {
	if !p.connected {
		return DropNotConnected, false
	}
	if p.contact.FP1LeadOff || p.contact.FP2LeadOff {
		return DropPoorContact, false
	}
	return "", true
}

// gateDeviceLocked проверяет гейт для ФПГ и акселерометра
func (p *Pipeline) gateDeviceLocked() (string, bool) {
	if !p.connected {
		return DropNotConnected, false
	}
	return "", true
}

// IngestEEG принимает один тик ЭЭГ: записывает присутствующие индексы,
// синтезирует составные из сырых значений тика и пересчитывает
// стабилизированные значения. Закрытый гейт отбрасывает тик целиком
func (p *Pipeline) IngestEEG(t models.EEGTick) IngestReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	if reason, ok := p.gateEEGLocked(); !ok {
		p.stats.DroppedTicks++
		return IngestReport{Reason: reason}
	}

	rep := IngestReport{Accepted: true}
	p.observe(p.eeg, MetricFocus, t.FocusIndex, &rep)
	p.observe(p.eeg, MetricRelaxation, t.RelaxationIndex, &rep)
	p.observe(p.eeg, MetricStress, t.StressIndex, &rep)
	p.observe(p.eeg, MetricCognitiveLoad, t.CognitiveLoad, &rep)
	p.observe(p.eeg, MetricTotalPower, t.TotalPower, &rep)

	// Составные индексы считаются из сырых значений текущего тика,
	// отсутствующие слагаемые принимаются равными нулю; в историю
	// попадают только положительные результаты
	attention := AttentionFocusWeight*deref(t.FocusIndex) +
		AttentionPowerWeight*deref(t.TotalPower)
	if attention > 0 {
		if recorded, _ := p.eeg.Observe(MetricAttention, attention); recorded {
			rep.Recorded++
		}
	}
	meditation := MeditationRelaxWeight*deref(t.RelaxationIndex) +
		MeditationStressWeight*(1-deref(t.StressIndex))
	if meditation > 0 {
		if recorded, _ := p.eeg.Observe(MetricMeditation, meditation); recorded {
			rep.Recorded++
		}
	}

	p.eeg.Commit(1)
	p.stats.EEGTicks++
	p.notifyLocked(models.ModalityEEG, t.Timestamp)
	return rep
}

// IngestPPG принимает один тик ФПГ
func (p *Pipeline) IngestPPG(t models.PPGTick) IngestReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	if reason, ok := p.gateDeviceLocked(); !ok {
		p.stats.DroppedTicks++
		return IngestReport{Reason: reason}
	}

	rep := IngestReport{Accepted: true}
	p.observe(p.ppg, MetricHeartRate, t.HeartRate, &rep)
	p.observe(p.ppg, MetricRMSSD, t.RMSSD, &rep)
	p.observe(p.ppg, MetricSDNN, t.SDNN, &rep)
	p.observe(p.ppg, MetricPNN50, t.PNN50, &rep)
	p.observe(p.ppg, MetricPNN20, t.PNN20, &rep)
	p.observe(p.ppg, MetricSDSD, t.SDSD, &rep)
	p.observe(p.ppg, MetricAVNN, t.AVNN, &rep)
	p.observe(p.ppg, MetricLFPower, t.LFPower, &rep)
	p.observe(p.ppg, MetricHFPower, t.HFPower, &rep)
	p.observe(p.ppg, MetricLFHF, t.LFHFRatio, &rep)
	p.observe(p.ppg, MetricStress, t.Stress, &rep)
	p.observe(p.ppg, MetricSpO2, t.SpO2, &rep)
	p.observe(p.ppg, MetricHRMax, t.HRMax, &rep)
	p.observe(p.ppg, MetricHRMin, t.HRMin, &rep)

	p.ppg.Commit(1)
	p.stats.PPGTicks++
	p.stats.GlitchSubstitutions += int64(rep.Substituted)
	p.notifyLocked(models.ModalityPPG, t.Timestamp)
	return rep
}

// IngestACC принимает пакет отсчетов акселерометра: каждый отсчет
// приводится к скалярной амплитуде с компенсацией гравитации
func (p *Pipeline) IngestACC(b models.ACCBatch) IngestReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	if reason, ok := p.gateDeviceLocked(); !ok {
		p.stats.DroppedTicks++
		return IngestReport{Reason: reason}
	}

	rep := IngestReport{Accepted: true}
	for _, s := range b.Samples {
		if recorded, _ := p.acc.Observe(MetricMovement, AdjustedMagnitude(s)); recorded {
			rep.Recorded++
		}
	}
	if rep.Recorded == 0 {
		return rep
	}

	p.acc.Commit(rep.Recorded)
	p.stats.ACCSamples += int64(rep.Recorded)
	p.notifyLocked(models.ModalityACC, b.Timestamp)
	return rep
}

// observe записывает присутствующее в тике значение метрики
func (p *Pipeline) observe(s *Stabilizer, name string, v *float64, rep *IngestReport) {
	if v == nil {
		return
	}
	recorded, substituted := s.Observe(name, *v)
	if recorded {
		rep.Recorded++
	}
	if substituted {
		rep.Substituted++
	}
}

// notifyLocked отправляет событие обновления конвейера без блокировки
func (p *Pipeline) notifyLocked(modality string, ts time.Time) {
	if p.updates == nil {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	select {
	case p.updates <- models.PipelineUpdate{DeviceID: p.deviceID, Modality: modality, Timestamp: ts}:
	default:
		// Канал обновлений переполнен, событие пропускается
	}
}

// Snapshot возвращает полный снимок стабилизированного состояния устройства
func (p *Pipeline) Snapshot() models.DeviceSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return models.DeviceSnapshot{
		DeviceID:  p.deviceID,
		Timestamp: time.Now(),
		Connected: p.connected,
		Contact:   p.contact,
		EEG:       p.eegSnapshotLocked(),
		PPG:       p.ppgSnapshotLocked(),
		ACC:       p.accSnapshotLocked(),
		Stats:     p.stats,
	}
}

// EEGSnapshot возвращает стабилизированные индексы ЭЭГ с классификацией
func (p *Pipeline) EEGSnapshot() models.EEGSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.eegSnapshotLocked()
}

// PPGSnapshot возвращает стабилизированные показатели ФПГ
func (p *Pipeline) PPGSnapshot() models.PPGSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ppgSnapshotLocked()
}

// ACCSnapshot возвращает показатели движения
func (p *Pipeline) ACCSnapshot() models.ACCSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accSnapshotLocked()
}

// Stats возвращает накопленную статистику конвейера
func (p *Pipeline) Stats() models.PipelineStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func (p *Pipeline) eegSnapshotLocked() models.EEGSnapshot {
	reading := func(name string) models.IndexReading {
		v := p.eeg.Value(name)
		return models.IndexReading{Value: v, State: ClassifyLevel(v)}
	}
	return models.EEGSnapshot{
		Focus:         reading(MetricFocus),
		Relaxation:    reading(MetricRelaxation),
		Stress:        reading(MetricStress),
		CognitiveLoad: reading(MetricCognitiveLoad),
		Attention:     reading(MetricAttention),
		Meditation:    reading(MetricMeditation),
		TotalPower:    p.eeg.Value(MetricTotalPower),
	}
}

func (p *Pipeline) ppgSnapshotLocked() models.PPGSnapshot {
	return models.PPGSnapshot{
		HeartRate: p.ppg.Value(MetricHeartRate),
		RMSSD:     p.ppg.Value(MetricRMSSD),
		SDNN:      p.ppg.Value(MetricSDNN),
		PNN50:     p.ppg.Value(MetricPNN50),
		PNN20:     p.ppg.Value(MetricPNN20),
		SDSD:      p.ppg.Value(MetricSDSD),
		AVNN:      p.ppg.Value(MetricAVNN),
		LFPower:   p.ppg.Value(MetricLFPower),
		HFPower:   p.ppg.Value(MetricHFPower),
		LFHFRatio: p.ppg.Value(MetricLFHF),
		Stress:    p.ppg.Value(MetricStress),
		SpO2:      p.ppg.Value(MetricSpO2),
		HRMax:     p.ppg.Value(MetricHRMax),
		HRMin:     p.ppg.Value(MetricHRMin),
	}
}

func (p *Pipeline) accSnapshotLocked() models.ACCSnapshot {
	stabilized := p.acc.Value(MetricMovement)
	// Мгновенная амплитуда берется из последнего конечного отсчета,
	// некорректные сырые значения в снимок не попадают
	instant, _ := p.acc.LastValid(MetricMovement)
	avg := stabilized * MovementScale
	return models.ACCSnapshot{
		Magnitude:        stabilized,
		InstantMagnitude: instant,
		Activity:         ClassifyInstantActivity(instant),
		AverageMovement:  avg,
		MovementState:    ClassifyMovement(avg),
	}
}

// StabilizedValues возвращает стабилизированные значения всех метрик модальности
func (p *Pipeline) StabilizedValues(modality string) map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var s *Stabilizer
	switch modality {
	case models.ModalityEEG:
		s = p.eeg
	case models.ModalityPPG:
		s = p.ppg
	case models.ModalityACC:
		s = p.acc
	default:
		return nil
	}
	out := make(map[string]float64, len(s.order))
	for _, name := range s.order {
		out[name] = s.Value(name)
	}
	return out
}

// AdjustedMagnitude приводит трехосевой отсчет к скалярной амплитуде
// с компенсацией гравитации: |sqrt(x*x+y*y+z*z) - 1| в единицах g
func AdjustedMagnitude(s models.ACCSample) float64 {
	mag := 0.0
	if s.Magnitude != nil {
		mag = *s.Magnitude
	} else {
		mag = math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
	}
	return math.Abs(mag - 1)
}

// deref возвращает значение указателя, отсутствующее значение считается нулем
func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
