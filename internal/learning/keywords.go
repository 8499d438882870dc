package learning

import "strings"

// ExplicitLearning are phrases with which a user asks the agent to retain
// something. Users write in Portuguese or English, so both are matched.
var ExplicitLearning = []string{
	"remember", "always", "from now on", "never forget", "keep in mind", "note that",
	"lembre", "lembrar", "sempre", "a partir de agora", "nunca esqueça", "anote", "guarde",
}

// PositiveFeedback marks a user turn that approves the previous answer.
var PositiveFeedback = []string{
	"thanks", "thank you", "perfect", "great", "exactly", "helpful", "that worked",
	"obrigado", "obrigada", "perfeito", "ótimo", "otimo", "exatamente", "excelente", "ajudou", "valeu",
}

// NegativeFeedback marks a user turn that rejects the previous answer.
var NegativeFeedback = []string{
	"that's wrong", "that is wrong", "incorrect", "not what i asked", "that's not right", "didn't help", "did not help",
	"errado", "incorreto", "não é isso", "nao e isso", "não ajudou", "nao ajudou", "não era isso",
}

// ContainsAny reports whether text contains any of the phrases, ignoring case.
func ContainsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

var stopwords = map[string]bool{
	"the": true, "and": true, "that": true, "this": true, "with": true, "have": true, "what": true,
	"when": true, "where": true, "which": true, "your": true, "about": true, "would": true, "could": true,
	"there": true, "their": true, "from": true, "will": true, "been": true, "were": true, "they": true,
	"para": true, "como": true, "mais": true, "quando": true, "onde": true, "qual": true, "sobre": true,
	"voce": true, "você": true, "isso": true, "esta": true, "está": true, "tenho": true, "pode": true,
	"obrigado": true, "thanks": true, "please": true, "favor": true,
}
