package retrieval

import (
	"regexp"
	"strings"
)

// Intent is the narrow classification used to route retrieval strategies.
// The classifier is deliberately dumb string matching; it must stay scoped
// to routing decisions and never leak into scoring.
type Intent int

const (
	IntentGeneric Intent = iota
	IntentNewTopic
	IntentContinuation
	IntentProgramRequest
	IntentMythCheck
)

func (i Intent) String() string {
	switch i {
	case IntentNewTopic:
		return "new_topic"
	case IntentContinuation:
		return "continuation"
	case IntentProgramRequest:
		return "program_request"
	case IntentMythCheck:
		return "myth_check"
	default:
		return "generic"
	}
}

// muscleSynonyms maps canonical muscle groups to the terms users type for
// them. Phrases are lowercase; matching is word-boundary aware.
var muscleSynonyms = map[string][]string{
	"chest":     {"chest", "pecs", "pectorals", "pectoral", "upper chest", "lower chest"},
	"back":      {"back", "lats", "latissimus", "traps", "trapezius", "rhomboids", "upper back", "lower back", "rear delts"},
	"shoulders": {"shoulders", "shoulder", "delts", "deltoids", "deltoid", "side delts", "front delts"},
	"arms":      {"arms", "biceps", "bicep", "triceps", "tricep", "forearms", "forearm"},
	"legs":      {"legs", "leg", "quads", "quadriceps", "hamstrings", "hams", "calves", "calf", "glutes", "glute", "adductors"},
	"core":      {"core", "abs", "abdominals", "obliques", "six pack", "midsection"},
}

var (
	continuationPattern = regexp.MustCompile(`(?i)^\s*(continue|next|what'?s next|keep going|go on|and then|more|another one)\b`)
	programPattern      = regexp.MustCompile(`(?i)\b(program|routine|plan|split|schedule|workout plan|training plan|how (?:many|often|should i train))\b`)
	mythPattern         = regexp.MustCompile(`(?i)\b(myth|is it true|true that|debunk|really works?|actually works?|waste of time|bro.?science)\b`)
	workoutTalkPattern  = regexp.MustCompile(`(?i)\b(sets?|reps?|exercise|workout|superset|warm.?up|rest)\b`)
)

// Classify determines the routing intent for a query given the recent
// conversation. Continuation only triggers when the prior turns were
// actually about training, so a bare "continue" in an unrelated chat stays
// generic.
func Classify(query string, history []Turn) Intent {
	if continuationPattern.MatchString(query) && historyMentionsTraining(history) {
		return IntentContinuation
	}
	if mythPattern.MatchString(query) {
		return IntentMythCheck
	}
	if programPattern.MatchString(query) {
		return IntentProgramRequest
	}
	if len(history) == 0 {
		return IntentNewTopic
	}
	return IntentGeneric
}

func historyMentionsTraining(history []Turn) bool {
	for i := len(history) - 1; i >= 0 && i >= len(history)-6; i-- {
		if workoutTalkPattern.MatchString(history[i].Content) {
			return true
		}
	}
	return false
}

// DetectMuscleGroups returns the canonical muscle groups mentioned in the
// text, in stable order.
func DetectMuscleGroups(text string) []string {
	lower := " " + strings.ToLower(text) + " "
	var groups []string
	for _, group := range muscleGroupOrder {
		for _, syn := range muscleSynonyms[group] {
			if containsPhrase(lower, syn) {
				groups = append(groups, group)
				break
			}
		}
	}
	return groups
}

// muscleGroupOrder keeps DetectMuscleGroups deterministic.
var muscleGroupOrder = []string{"chest", "back", "shoulders", "arms", "legs", "core"}

// entityTermsFor returns the search terms for a set of muscle groups, the
// canonical name plus every synonym.
func entityTermsFor(groups []string) []string {
	var terms []string
	seen := make(map[string]struct{})
	for _, group := range groups {
		for _, syn := range muscleSynonyms[group] {
			if _, ok := seen[syn]; ok {
				continue
			}
			seen[syn] = struct{}{}
			terms = append(terms, syn)
		}
	}
	return terms
}

// containsPhrase checks if phrase exists as a word/phrase in text (not
// substring): "abs" won't match "absolutely".
func containsPhrase(text, phrase string) bool {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return false
	}
	if !strings.HasPrefix(text, " ") {
		text = " " + text
	}
	if !strings.HasSuffix(text, " ") {
		text = text + " "
	}
	for _, pattern := range []string{
		" " + phrase + " ",
		" " + phrase + ".",
		" " + phrase + ",",
		" " + phrase + "?",
		" " + phrase + "!",
		" " + phrase + ":",
		" " + phrase + ";",
	} {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}
