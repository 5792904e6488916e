package hardware

import "sort"

// Expression vocabulary. Emotions are either hardware-native eye states
// (passed to the daemon unchanged) or semantic aliases that resolve through
// aliasToEyes. Intensity decides which channels activate: low is eyes only,
// medium adds a subtle gesture, high an expressive one.

// Intensity levels for expressions.
const (
	IntensityLow    = "low"
	IntensityMedium = "medium"
	IntensityHigh   = "high"
)

// ValidEmotions is the emotion vocabulary offered to the LLM.
var ValidEmotions = []string{
	// Hardware-native eye states.
	"neutral", "happy", "sad", "angry", "excited",
	"afraid", "sleepy", "side eye L", "side eye R",
	// Semantic aliases.
	"greeting", "farewell", "celebration", "apologetic",
}

// ValidIntensities is the intensity vocabulary offered to the LLM.
var ValidIntensities = []string{IntensityLow, IntensityMedium, IntensityHigh}

// aliasToEyes maps semantic aliases to their default hardware eye state.
var aliasToEyes = map[string]string{
	"greeting":    "happy",
	"farewell":    "happy",
	"celebration": "excited",
	"apologetic":  "sad",
	"side eye L":  "sideeye_left",
	"side eye R":  "sideeye_right",
}

type expressionKey struct {
	emotion   string
	intensity string
}

type expression struct {
	eyes    string
	gesture string
}

// expressionMap holds only the pairs that differ from the default
// (eyes = emotion, no gesture).
var expressionMap = map[expressionKey]expression{
	{"happy", IntensityHigh}:         {eyes: "happy", gesture: "side_side"},
	{"sad", IntensityHigh}:           {eyes: "sad", gesture: "bow"},
	{"angry", IntensityHigh}:         {eyes: "angry", gesture: "side_side"},
	{"excited", IntensityMedium}:     {eyes: "excited", gesture: "side_side"},
	{"excited", IntensityHigh}:       {eyes: "excited", gesture: "excited"},
	{"afraid", IntensityHigh}:        {eyes: "afraid", gesture: "side_side"},
	{"greeting", IntensityHigh}:      {eyes: "happy", gesture: "wave_right"},
	{"farewell", IntensityHigh}:      {eyes: "happy", gesture: "bow"},
	{"celebration", IntensityMedium}: {eyes: "excited", gesture: "side_side"},
	{"celebration", IntensityHigh}:   {eyes: "excited", gesture: "excited"},
	{"apologetic", IntensityHigh}:    {eyes: "sad", gesture: "bow"},
}

// GestureMovements expands a gesture name into its movement sequence.
var GestureMovements = map[string][]string{
	"bow":        {"bow"},
	"side_side":  {"tilt_left", "tilt_right"},
	"wave_right": {"wave_right"},
	"excited":    {"tilt_left", "tilt_right", "tilt_left", "tilt_right"},
}

// DisplacementMovements are the position-changing moves execute_movement
// accepts. Expressions never displace the robot.
var DisplacementMovements = map[string]struct{}{
	"step_forward":   {},
	"walk_forward":   {},
	"step_backward":  {},
	"walk_backward":  {},
	"turn_left":      {},
	"turn_right":     {},
	"turn_left_slow": {},
	"turn_right_slow": {},
}

// ResolveExpression maps an (emotion, intensity) pair to the eye state to
// set and the gesture to play. gesture is empty when the pair maps to eyes
// only.
func ResolveExpression(emotion, intensity string) (eyes, gesture string) {
	if e, ok := expressionMap[expressionKey{emotion, intensity}]; ok {
		return e.eyes, e.gesture
	}
	if eyes, ok := aliasToEyes[emotion]; ok {
		return eyes, ""
	}
	return emotion, ""
}

// IsValidEmotion reports whether name is in the emotion vocabulary.
func IsValidEmotion(name string) bool {
	for _, e := range ValidEmotions {
		if e == name {
			return true
		}
	}
	return false
}

// IsValidIntensity reports whether name is a known intensity.
func IsValidIntensity(name string) bool {
	return name == IntensityLow || name == IntensityMedium || name == IntensityHigh
}

// LexiconTerms returns the spoken expression vocabulary for the transcript
// corrector: emotion names plus displacement moves, so "turn left slow"
// survives STT intact.
func LexiconTerms() []string {
	moves := make([]string, 0, len(DisplacementMovements))
	for move := range DisplacementMovements {
		moves = append(moves, move)
	}
	sort.Strings(moves)

	terms := make([]string, 0, len(ValidEmotions)+len(moves))
	terms = append(terms, ValidEmotions...)
	return append(terms, moves...)
}
