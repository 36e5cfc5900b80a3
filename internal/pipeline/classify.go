package pipeline

// Классы состояний для индексов мозговой активности
const (
	StateLow    = "low"
	StateMedium = "medium"
	StateHigh   = "high"
)

// Классы активности по данным акселерометра
const (
	ActivityStationary = "stationary"
	ActivitySitting    = "sitting"
	ActivityWalking    = "walking"
	ActivityRunning    = "running"
)

const (
	// LevelLowThreshold нижний порог трехуровневой классификации индексов
	LevelLowThreshold = 0.3
	// LevelHighThreshold верхний порог трехуровневой классификации индексов
	LevelHighThreshold = 0.7
)

// Возрастающие пороги активности: по мгновенной скорректированной
// амплитуде (в g) и по среднему уровню движения (в процентах g)
var (
	instantActivityCuts  = [3]float64{0.1, 0.3, 0.8}
	movementActivityCuts = [3]float64{5, 10, 20}
)

var activityLabels = [4]string{ActivityStationary, ActivitySitting, ActivityWalking, ActivityRunning}

// ClassifyLevel относит стабилизированное значение индекса к классу:
// value < 0.3 low, 0.3 <= value < 0.7 medium, value >= 0.7 high
func ClassifyLevel(value float64) string {
	switch {
	case value < LevelLowThreshold:
		return StateLow
	case value < LevelHighThreshold:
		return StateMedium
	default:
		return StateHigh
	}
}

// ClassifyInstantActivity классифицирует мгновенную скорректированную амплитуду
func ClassifyInstantActivity(adjusted float64) string {
	return classifyActivity(adjusted, instantActivityCuts)
}

// ClassifyMovement классифицирует средний уровень движения
func ClassifyMovement(avgMovement float64) string {
	return classifyActivity(avgMovement, movementActivityCuts)
}

// classifyActivity выполняет линейный проход по возрастающим порогам:
// выигрывает первый порог, ниже которого строго лежит значение
func classifyActivity(value float64, cuts [3]float64) string {
	for i, cut := range cuts {
		if value < cut {
			return activityLabels[i]
		}
	}
	return activityLabels[3]
}
