// Package models содержит структуры данных для сигналов, снимков и API
package models

import "time"

// Модальности сигналов
const (
	ModalityEEG = "eeg"
	ModalityPPG = "ppg"
	ModalityACC = "acc"
)

// EEGTick представляет один тик анализа ЭЭГ от движка устройства
// Поля nullable: отсутствующее значение не записывается в историю
type EEGTick struct {
	Timestamp       time.Time `json:"timestamp"`
	FocusIndex      *float64  `json:"focus_index"`
	RelaxationIndex *float64  `json:"relaxation_index"`
	StressIndex     *float64  `json:"stress_index"`
	CognitiveLoad   *float64  `json:"cognitive_load"`
	TotalPower      *float64  `json:"total_power"`
}

// PPGTick представляет один тик анализа ФПГ (пульс и вариабельность)
type PPGTick struct {
	Timestamp time.Time `json:"timestamp"`
	HeartRate *float64  `json:"heart_rate"`
	RMSSD     *float64  `json:"rmssd"`
	SDNN      *float64  `json:"sdnn"`
	PNN50     *float64  `json:"pnn50"`
	PNN20     *float64  `json:"pnn20"`
	SDSD      *float64  `json:"sdsd"`
	AVNN      *float64  `json:"avnn"`
	LFPower   *float64  `json:"lf_power"`
	HFPower   *float64  `json:"hf_power"`
	LFHFRatio *float64  `json:"lf_hf_ratio"`
	Stress    *float64  `json:"stress_index"`
	SpO2      *float64  `json:"spo2"`
	HRMax     *float64  `json:"hr_max"`
	HRMin     *float64  `json:"hr_min"`
}

// ACCSample представляет один отсчет акселерометра в единицах g
type ACCSample struct {
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Z         float64  `json:"z"`
	Magnitude *float64 `json:"magnitude,omitempty"`
}

// ACCBatch представляет пакет отсчетов акселерометра
type ACCBatch struct {
	Timestamp time.Time   `json:"timestamp"`
	Samples   []ACCSample `json:"samples"`
}

// ContactState содержит флаги lead-off по каналам (true = нет контакта)
type ContactState struct {
	FP1LeadOff bool `json:"fp1_lead_off"`
	FP2LeadOff bool `json:"fp2_lead_off"`
}

// IndexReading содержит стабилизированное значение индекса и его класс
type IndexReading struct {
	Value float64 `json:"value"`
	State string  `json:"state,omitempty"`
}

// EEGSnapshot содержит стабилизированные индексы ЭЭГ с классификацией
type EEGSnapshot struct {
	Focus         IndexReading `json:"focus"`
	Relaxation    IndexReading `json:"relaxation"`
	Stress        IndexReading `json:"stress"`
	CognitiveLoad IndexReading `json:"cognitive_load"`
	Attention     IndexReading `json:"attention"`
	Meditation    IndexReading `json:"meditation"`
	TotalPower    float64      `json:"total_power"`
}

// PPGSnapshot содержит стабилизированные показатели пульса и ВСР
type PPGSnapshot struct {
	HeartRate float64 `json:"heart_rate"`
	RMSSD     float64 `json:"rmssd"`
	SDNN      float64 `json:"sdnn"`
	PNN50     float64 `json:"pnn50"`
	PNN20     float64 `json:"pnn20"`
	SDSD      float64 `json:"sdsd"`
	AVNN      float64 `json:"avnn"`
	LFPower   float64 `json:"lf_power"`
	HFPower   float64 `json:"hf_power"`
	LFHFRatio float64 `json:"lf_hf_ratio"`
	Stress    float64 `json:"stress_index"`
	SpO2      float64 `json:"spo2"`
	HRMax     float64 `json:"hr_max"`
	HRMin     float64 `json:"hr_min"`
}

// ACCSnapshot содержит показатели движения по акселерометру
type ACCSnapshot struct {
	Magnitude        float64 `json:"magnitude"`
	InstantMagnitude float64 `json:"instant_magnitude"`
	Activity         string  `json:"activity"`
	AverageMovement  float64 `json:"average_movement"`
	MovementState    string  `json:"movement_state"`
}

// PipelineStats содержит накопленную статистику конвейера устройства
type PipelineStats struct {
	EEGTicks            int64 `json:"eeg_ticks"`
	PPGTicks            int64 `json:"ppg_ticks"`
	ACCSamples          int64 `json:"acc_samples"`
	DroppedTicks        int64 `json:"dropped_ticks"`
	GlitchSubstitutions int64 `json:"glitch_substitutions"`
}

// DeviceSnapshot представляет полный снимок состояния конвейера устройства
type DeviceSnapshot struct {
	DeviceID  string        `json:"device_id"`
	Timestamp time.Time     `json:"timestamp"`
	Connected bool          `json:"connected"`
	Contact   ContactState  `json:"contact"`
	EEG       EEGSnapshot   `json:"eeg"`
	PPG       PPGSnapshot   `json:"ppg"`
	ACC       ACCSnapshot   `json:"acc"`
	Stats     PipelineStats `json:"stats"`
}

// DeviceSession представляет запись о сеансе подключения устройства
type DeviceSession struct {
	SessionID   string    `json:"session_id"`
	DeviceID    string    `json:"device_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// PipelineUpdate событие обновления конвейера, по одному на обработанный тик
type PipelineUpdate struct {
	DeviceID  string    `json:"device_id"`
	Modality  string    `json:"modality"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestResponse ответ на прием тика
type IngestResponse struct {
	Accepted bool         `json:"accepted"`
	Reason   string       `json:"reason,omitempty"`
	EEG      *EEGSnapshot `json:"eeg,omitempty"`
	PPG      *PPGSnapshot `json:"ppg,omitempty"`
	ACC      *ACCSnapshot `json:"acc,omitempty"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Redis         string    `json:"redis"`
	MQTT          string    `json:"mqtt"`
	ActiveDevices int       `json:"active_devices"`
	Uptime        string    `json:"uptime"`
}

// StatsResponse содержит статистику сервиса
// Поля lifetime считаются в Redis и переживают перезапуск сервиса
type StatsResponse struct {
	ActiveDevices       int   `json:"active_devices"`
	TotalTicks          int64 `json:"total_ticks"`
	DroppedTicks        int64 `json:"dropped_ticks"`
	GlitchSubstitutions int64 `json:"glitch_substitutions"`
	LifetimeTicks       int64 `json:"lifetime_ticks"`
	LifetimeDropped     int64 `json:"lifetime_dropped"`
}
