package degrade

// Level is a discrete system-stress tier derived from health samples.
type Level int

const (
	LevelNone Level = iota
	LevelMinor
	LevelModerate
	LevelSevere
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Multiplier returns the rate-limit factor applied at this level.
// Under severe degradation limits shrink to shed load.
func (l Level) Multiplier() float64 {
	switch l {
	case LevelModerate:
		return 0.6
	case LevelSevere:
		return 0.3
	case LevelCritical:
		return 0.1
	default:
		return 1.0
	}
}
