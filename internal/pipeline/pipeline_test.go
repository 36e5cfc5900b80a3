package pipeline

import (
	"encoding/json"
	"math"
	"testing"

	"biosignal-service/internal/models"
)

func f64(v float64) *float64 {
	return &v
}

func eegTick(focus float64) models.EEGTick {
	return models.EEGTick{FocusIndex: f64(focus)}
}

func fullEEGTick(focus, relax, stress, load, power float64) models.EEGTick {
	return models.EEGTick{
		FocusIndex:      f64(focus),
		RelaxationIndex: f64(relax),
		StressIndex:     f64(stress),
		CognitiveLoad:   f64(load),
		TotalPower:      f64(power),
	}
}

func TestPipeline_CompositeFormulas(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	p.IngestEEG(models.EEGTick{FocusIndex: f64(0.5), TotalPower: f64(0.2)})

	// attention_level = 0.8*0.5 + 0.2*0.2 = 0.44
	v, ok := p.eeg.history(MetricAttention).Last()
	if !ok {
		t.Fatal("Expected attention value recorded")
	}
	if math.Abs(v-0.44) > 1e-9 {
		t.Errorf("Expected attention 0.44, got %.6f", v)
	}

	p.IngestEEG(models.EEGTick{RelaxationIndex: f64(0.6), StressIndex: f64(0.4)})

	// meditation_level = 0.7*0.6 + 0.3*(1-0.4) = 0.60
	v, ok = p.eeg.history(MetricMeditation).Last()
	if !ok {
		t.Fatal("Expected meditation value recorded")
	}
	if math.Abs(v-0.60) > 1e-9 {
		t.Errorf("Expected meditation 0.60, got %.6f", v)
	}
}

func TestPipeline_CompositeDropsNonPositive(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	// Inverted stress above 1 drives meditation negative, focus stays missing
	p.IngestEEG(models.EEGTick{StressIndex: f64(2.0)})

	if p.eeg.history(MetricAttention).Len() != 0 {
		t.Error("Expected no attention value for an all-zero blend")
	}
	if p.eeg.history(MetricMeditation).Len() != 0 {
		t.Error("Expected negative meditation to be dropped")
	}

	// NaN input poisons the blend, the composite must not be recorded
	p.IngestEEG(models.EEGTick{FocusIndex: f64(math.NaN()), TotalPower: f64(0.3)})

	if p.eeg.history(MetricAttention).Len() != 0 {
		t.Error("Expected NaN blend to be dropped")
	}
	// The raw NaN itself is still recorded in the primary history
	if p.eeg.history(MetricFocus).Len() != 1 {
		t.Error("Expected raw NaN recorded in focus history")
	}
}

func TestPipeline_GravityCompensation(t *testing.T) {
	atRest := models.ACCSample{X: 0, Y: 0, Z: 1}
	if v := AdjustedMagnitude(atRest); v != 0 {
		t.Errorf("Expected adjusted magnitude 0 at rest, got %.6f", v)
	}

	p := NewPipeline("dev-1", nil)
	p.IngestACC(models.ACCBatch{Samples: []models.ACCSample{atRest}})

	snap := p.ACCSnapshot()
	if snap.InstantMagnitude != 0 {
		t.Errorf("Expected instant magnitude 0, got %.6f", snap.InstantMagnitude)
	}
	if snap.Activity != ActivityStationary {
		t.Errorf("Expected stationary at rest, got %s", snap.Activity)
	}
}

func TestPipeline_ACCProvidedMagnitude(t *testing.T) {
	// When the device reports a precomputed magnitude the axes are ignored
	s := models.ACCSample{X: 9, Y: 9, Z: 9, Magnitude: f64(1.5)}
	if v := AdjustedMagnitude(s); math.Abs(v-0.5) > 1e-9 {
		t.Errorf("Expected adjusted magnitude 0.5, got %.6f", v)
	}
}

func TestPipeline_ACCOverflowKeepsSnapshotFinite(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	p.IngestACC(models.ACCBatch{Samples: []models.ACCSample{{X: 0, Y: 0, Z: 1.5}}})
	// Squaring 1e200 overflows float64, the adjusted magnitude becomes +Inf
	p.IngestACC(models.ACCBatch{Samples: []models.ACCSample{{X: 1e200}}})

	// The overflow stays recorded raw but never reaches the snapshot
	if got := p.acc.history(MetricMovement).Len(); got != 2 {
		t.Errorf("Expected 2 raw samples recorded, got %d", got)
	}

	snap := p.ACCSnapshot()
	if math.Abs(snap.InstantMagnitude-0.5) > 1e-9 {
		t.Errorf("Expected instant magnitude 0.5 from the last finite sample, got %.6f", snap.InstantMagnitude)
	}
	if snap.Activity != ActivityWalking {
		t.Errorf("Expected instant activity walking, got %s", snap.Activity)
	}
	if _, err := json.Marshal(p.Snapshot()); err != nil {
		t.Errorf("Expected device snapshot to marshal, got %v", err)
	}
}

func TestPipeline_ACCAllInvalidFallsBackToZero(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	p.IngestACC(models.ACCBatch{Samples: []models.ACCSample{{X: 1e200}}})

	snap := p.ACCSnapshot()
	if snap.InstantMagnitude != 0 {
		t.Errorf("Expected instant magnitude fallback 0, got %.6f", snap.InstantMagnitude)
	}
	if snap.Activity != ActivityStationary {
		t.Errorf("Expected stationary fallback, got %s", snap.Activity)
	}
	if _, err := json.Marshal(p.Snapshot()); err != nil {
		t.Errorf("Expected device snapshot to marshal, got %v", err)
	}
}

func TestPipeline_MovementClassification(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	samples := make([]models.ACCSample, 12)
	for i := range samples {
		samples[i] = models.ACCSample{X: 0, Y: 0, Z: 1.15}
	}
	p.IngestACC(models.ACCBatch{Samples: samples})

	snap := p.ACCSnapshot()
	if math.Abs(snap.Magnitude-0.15) > 0.001 {
		t.Errorf("Expected stabilized magnitude 0.15, got %.4f", snap.Magnitude)
	}
	if snap.Activity != ActivitySitting {
		t.Errorf("Expected instant activity sitting, got %s", snap.Activity)
	}
	if math.Abs(snap.AverageMovement-15.0) > 0.1 {
		t.Errorf("Expected average movement 15, got %.2f", snap.AverageMovement)
	}
	if snap.MovementState != ActivityWalking {
		t.Errorf("Expected movement state walking, got %s", snap.MovementState)
	}
}

func TestPipeline_MovementBoundaryRounding(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	// |sqrt(1.2*1.2) - 1| rounds to just under 0.2, so the average
	// movement lands strictly below the running bound
	samples := make([]models.ACCSample, 12)
	for i := range samples {
		samples[i] = models.ACCSample{X: 0, Y: 0, Z: 1.2}
	}
	p.IngestACC(models.ACCBatch{Samples: samples})

	snap := p.ACCSnapshot()
	if snap.AverageMovement >= 20 {
		t.Fatalf("Expected average movement below 20, got %.17f", snap.AverageMovement)
	}
	if snap.MovementState != ActivityWalking {
		t.Errorf("Expected movement state walking, got %s", snap.MovementState)
	}
}

func TestPipeline_ColdStartHoldsDefault(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	for i := 0; i < MinSamples-1; i++ {
		p.IngestEEG(eegTick(0.9))
	}

	snap := p.EEGSnapshot()
	if snap.Focus.Value != 0 {
		t.Errorf("Expected default focus 0 before warmup, got %.3f", snap.Focus.Value)
	}
	if snap.Focus.State != StateLow {
		t.Errorf("Expected default state low before warmup, got %s", snap.Focus.State)
	}

	p.IngestEEG(eegTick(0.9))

	snap = p.EEGSnapshot()
	if math.Abs(snap.Focus.Value-0.9) > 0.001 {
		t.Errorf("Expected focus 0.9 after warmup, got %.3f", snap.Focus.Value)
	}
	if snap.Focus.State != StateHigh {
		t.Errorf("Expected state high after warmup, got %s", snap.Focus.State)
	}
}

func TestPipeline_FocusRamp(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	// Linearly increasing focus, 0.10 step 0.02
	for i := 0; i < 10; i++ {
		p.IngestEEG(eegTick(0.1 + 0.02*float64(i)))
	}

	// Mean of the first ten values: (0.10 + 0.28)/2 = 0.19
	snap := p.EEGSnapshot()
	if math.Abs(snap.Focus.Value-0.19) > 1e-9 {
		t.Errorf("Expected focus 0.19 at warmup boundary, got %.6f", snap.Focus.Value)
	}
	if snap.Focus.State != StateLow {
		t.Errorf("Expected state low at warmup boundary, got %s", snap.Focus.State)
	}

	for i := 10; i < 15; i++ {
		p.IngestEEG(eegTick(0.1 + 0.02*float64(i)))
	}
	if snap = p.EEGSnapshot(); snap.Focus.State != StateLow {
		t.Errorf("Expected state still low after ramp, got %s", snap.Focus.State)
	}

	// High values start dominating the window
	for i := 0; i < 20; i++ {
		p.IngestEEG(eegTick(0.8))
	}
	if snap = p.EEGSnapshot(); snap.Focus.State != StateMedium {
		t.Errorf("Expected state medium mid-transition, got %s (value %.3f)", snap.Focus.State, snap.Focus.Value)
	}

	for i := 0; i < 80; i++ {
		p.IngestEEG(eegTick(0.8))
	}
	if snap = p.EEGSnapshot(); snap.Focus.State != StateHigh {
		t.Errorf("Expected state high once high values dominate, got %s (value %.3f)", snap.Focus.State, snap.Focus.Value)
	}
}

func TestPipeline_GateClosedLeavesStateUntouched(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	for i := 0; i < 12; i++ {
		p.IngestEEG(fullEEGTick(0.5, 0.6, 0.4, 0.3, 0.2))
	}
	before := p.EEGSnapshot()
	statsBefore := p.Stats()

	p.SetContact(models.ContactState{FP1LeadOff: true})

	rep := p.IngestEEG(fullEEGTick(0.99, 0.99, 0.99, 0.99, 0.99))
	if rep.Accepted {
		t.Fatal("Expected tick dropped with poor contact")
	}
	if rep.Reason != DropPoorContact {
		t.Errorf("Expected reason %s, got %s", DropPoorContact, rep.Reason)
	}

	after := p.EEGSnapshot()
	if before != after {
		t.Errorf("Expected EEG state unchanged, before %+v after %+v", before, after)
	}
	if p.eeg.Committed() != 12 {
		t.Errorf("Expected committed count unchanged at 12, got %d", p.eeg.Committed())
	}
	if got := p.Stats().DroppedTicks; got != statsBefore.DroppedTicks+1 {
		t.Errorf("Expected dropped ticks counter incremented, got %d", got)
	}
}

func TestPipeline_ContactGatesOnlyEEG(t *testing.T) {
	p := NewPipeline("dev-1", nil)
	p.SetContact(models.ContactState{FP2LeadOff: true})

	if rep := p.IngestEEG(eegTick(0.5)); rep.Accepted {
		t.Error("Expected EEG dropped with a lead-off channel")
	}
	if rep := p.IngestPPG(models.PPGTick{HeartRate: f64(60)}); !rep.Accepted {
		t.Error("Expected PPG accepted with a lead-off channel")
	}
	if rep := p.IngestACC(models.ACCBatch{Samples: []models.ACCSample{{Z: 1}}}); !rep.Accepted {
		t.Error("Expected ACC accepted with a lead-off channel")
	}
}

func TestPipeline_DisconnectDropsAndResets(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	for i := 0; i < 15; i++ {
		p.IngestEEG(eegTick(0.5))
		p.IngestPPG(models.PPGTick{HeartRate: f64(62)})
	}
	if p.EEGSnapshot().Focus.Value == 0 {
		t.Fatal("Expected non-zero focus before disconnect")
	}

	p.SetConnected(false)

	snap := p.EEGSnapshot()
	if snap.Focus.Value != 0 || snap.Focus.State != StateLow {
		t.Errorf("Expected focus reset to default, got %.3f/%s", snap.Focus.Value, snap.Focus.State)
	}
	if hr := p.PPGSnapshot().HeartRate; hr != 0 {
		t.Errorf("Expected heart rate reset to 0, got %.3f", hr)
	}
	if p.eeg.Committed() != 0 || p.ppg.Committed() != 0 {
		t.Error("Expected committed counters reset on disconnect")
	}

	if rep := p.IngestEEG(eegTick(0.5)); rep.Accepted || rep.Reason != DropNotConnected {
		t.Errorf("Expected ticks dropped while disconnected, got %+v", rep)
	}
}

func TestPipeline_PPGGlitchSubstitution(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	for i := 0; i < 10; i++ {
		p.IngestPPG(models.PPGTick{RMSSD: f64(float64(40 + i))})
	}
	if v := p.PPGSnapshot().RMSSD; math.Abs(v-44.5) > 0.001 {
		t.Fatalf("Expected rmssd mean 44.5 after warmup, got %.3f", v)
	}

	// A zero dropout is replaced with the last recorded value (49)
	rep := p.IngestPPG(models.PPGTick{RMSSD: f64(0)})
	if rep.Substituted != 1 {
		t.Errorf("Expected one substitution, got %d", rep.Substituted)
	}

	expected := (445.0 + 49.0) / 11.0
	if v := p.PPGSnapshot().RMSSD; math.Abs(v-expected) > 0.001 {
		t.Errorf("Expected rmssd mean %.3f after substitution, got %.3f", expected, v)
	}
	if got := p.Stats().GlitchSubstitutions; got != 1 {
		t.Errorf("Expected substitution counter 1, got %d", got)
	}
}

func TestPipeline_HeartRateNotGuarded(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	for i := 0; i < 10; i++ {
		p.IngestPPG(models.PPGTick{HeartRate: f64(float64(60 + i))})
	}
	rep := p.IngestPPG(models.PPGTick{HeartRate: f64(0)})
	if rep.Substituted != 0 {
		t.Errorf("Expected no substitution for heart rate, got %d", rep.Substituted)
	}

	// The raw zero participates in the mean: (645+0)/11
	expected := 645.0 / 11.0
	if v := p.PPGSnapshot().HeartRate; math.Abs(v-expected) > 0.001 {
		t.Errorf("Expected heart rate mean %.3f, got %.3f", expected, v)
	}
}

func TestPipeline_MissingFieldsSkipped(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	for i := 0; i < 12; i++ {
		p.IngestEEG(eegTick(0.9))
	}

	snap := p.EEGSnapshot()
	if math.Abs(snap.Focus.Value-0.9) > 0.001 {
		t.Errorf("Expected focus 0.9, got %.3f", snap.Focus.Value)
	}
	if snap.Relaxation.Value != 0 {
		t.Errorf("Expected missing relaxation to stay 0, got %.3f", snap.Relaxation.Value)
	}
	if p.eeg.history(MetricRelaxation).Len() != 0 {
		t.Error("Expected no relaxation history for missing fields")
	}

	// Composites follow the formulas with missing inputs treated as zero
	if math.Abs(snap.Attention.Value-0.72) > 0.001 {
		t.Errorf("Expected attention 0.72, got %.3f", snap.Attention.Value)
	}
	if math.Abs(snap.Meditation.Value-0.3) > 0.001 {
		t.Errorf("Expected meditation 0.3, got %.3f", snap.Meditation.Value)
	}
}

func TestPipeline_ModalitiesIndependent(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	for i := 0; i < 12; i++ {
		p.IngestEEG(eegTick(0.5))
	}

	if p.ppg.Committed() != 0 {
		t.Errorf("Expected PPG untouched by EEG ticks, committed %d", p.ppg.Committed())
	}
	if p.acc.Committed() != 0 {
		t.Errorf("Expected ACC untouched by EEG ticks, committed %d", p.acc.Committed())
	}
}

func TestPipeline_UpdatesNonBlocking(t *testing.T) {
	updates := make(chan models.PipelineUpdate, 2)
	p := NewPipeline("dev-1", updates)

	// More ticks than buffer capacity must not block ingestion
	for i := 0; i < 5; i++ {
		p.IngestEEG(eegTick(0.5))
	}

	if len(updates) != 2 {
		t.Errorf("Expected 2 buffered updates, got %d", len(updates))
	}
	u := <-updates
	if u.DeviceID != "dev-1" || u.Modality != models.ModalityEEG {
		t.Errorf("Unexpected update event: %+v", u)
	}
}

func TestPipeline_SnapshotDefaults(t *testing.T) {
	p := NewPipeline("dev-1", nil)

	snap := p.Snapshot()
	if snap.DeviceID != "dev-1" {
		t.Errorf("Expected device id dev-1, got %s", snap.DeviceID)
	}
	if !snap.Connected {
		t.Error("Expected new pipeline to be connected")
	}
	if snap.EEG.Focus.State != StateLow {
		t.Errorf("Expected default focus state low, got %s", snap.EEG.Focus.State)
	}
	if snap.ACC.Activity != ActivityStationary {
		t.Errorf("Expected default activity stationary, got %s", snap.ACC.Activity)
	}
	if snap.Stats != (models.PipelineStats{}) {
		t.Errorf("Expected zero stats, got %+v", snap.Stats)
	}
}

func BenchmarkPipelineIngestEEG(b *testing.B) {
	p := NewPipeline("dev-1", nil)
	tick := fullEEGTick(0.5, 0.6, 0.4, 0.3, 0.2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.IngestEEG(tick)
	}
}

func BenchmarkPipelineIngestACC(b *testing.B) {
	p := NewPipeline("dev-1", nil)
	samples := make([]models.ACCSample, 20)
	for i := range samples {
		samples[i] = models.ACCSample{X: 0.1, Y: 0.2, Z: 1.05}
	}
	batch := models.ACCBatch{Samples: samples}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.IngestACC(batch)
	}
}
