package transcription

// Fragment-ending words per language: conjunctions, articles, prepositions,
// and pronouns that almost never end a complete utterance. When the pending
// transcript's last word is in the active set, the completeness check holds
// the utterance back and waits for more speech.
//
// Lists are keyed by the primary subtag of a BCP-47 language code ("fr" for
// "fr-FR"). Callers can supply a custom list through [Config.FragmentWords]
// for languages not covered here.

var fragmentWords = map[string][]string{
	"fr": {
		// Conjunctions.
		"et", "ou", "mais", "donc", "car", "ni", "or", "que", "si", "comme",
		"quand", "lorsque", "puisque", "parce",
		// Articles and determiners.
		"le", "la", "les", "un", "une", "des", "du", "de", "au", "aux",
		"ce", "cet", "cette", "ces", "mon", "ma", "mes", "ton", "ta", "tes",
		"son", "sa", "ses", "notre", "votre", "leur", "leurs",
		// Prepositions.
		"à", "en", "dans", "sur", "sous", "avec", "sans", "pour", "par",
		"vers", "chez", "entre",
		// Pronouns and clitics that precede a verb.
		"je", "tu", "il", "elle", "on", "nous", "vous", "ils", "elles",
		"me", "te", "se", "lui", "y", "qui", "dont", "où",
	},
	"en": {
		// Conjunctions.
		"and", "or", "but", "so", "because", "if", "when", "while", "that",
		"than", "although",
		// Articles and determiners.
		"the", "a", "an", "this", "that", "these", "those", "my", "your",
		"his", "her", "its", "our", "their", "some", "any",
		// Prepositions.
		"of", "to", "in", "on", "at", "by", "for", "with", "from", "about",
		"into", "over", "under",
		// Pronouns commonly starting a clause.
		"i", "you", "he", "she", "it", "we", "they", "who", "which", "whose",
	},
}

// fragmentSet returns the fragment-word set for the given language code, or
// nil when the language is not covered. custom, when non-empty, takes
// precedence over the built-in lists.
func fragmentSet(language string, custom []string) map[string]struct{} {
	words := custom
	if len(words) == 0 {
		words = fragmentWords[primarySubtag(language)]
	}
	if len(words) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// primarySubtag extracts the primary language subtag from a BCP-47 code:
// "fr-FR" → "fr", "en" → "en".
func primarySubtag(language string) string {
	for i := 0; i < len(language); i++ {
		if language[i] == '-' || language[i] == '_' {
			return language[:i]
		}
	}
	return language
}
