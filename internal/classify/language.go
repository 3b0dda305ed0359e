// Package classify holds the pure text heuristics applied to live transcripts:
// language detection, noise rejection, and repeat-command recognition.
package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/medinterp/internal/domain"
)

// langThreshold is the minimum lexicon hit ratio for a confident decision.
const langThreshold = 0.15

var spanishLexicon = newLexicon(
	// function words
	"el", "la", "los", "las", "es", "en", "de", "que", "un", "una", "se", "no", "te", "lo",
	"le", "da", "su", "por", "son", "con", "para", "tiene", "me", "si", "bien", "puede",
	"este", "está", "todo", "yo", "muy", "ahora", "cada", "sí", "voy", "gusta", "nada",
	"muchas", "ni", "contra", "otros", "ese", "eso", "había", "ante", "ellos", "esto", "mí",
	"antes", "algunos", "qué", "unos", "otro", "otras", "otra", "él", "tanto", "esa",
	"estos", "mucho", "quienes", "muchos", "cual", "poco", "ella", "estar", "estas",
	"algunas", "algo", "nosotros", "mi", "mis", "tú", "ti", "tu", "tus", "ellas",
	"nosotras", "vosotros", "vosotras", "os", "del", "al",
	// clinical vocabulary
	"dolor", "gracias", "medicina", "doctor", "doctora", "paciente", "hospital",
	"enfermedad", "síntoma", "síntomas", "tratamiento", "medicamento", "medicamentos",
	"cita", "análisis", "sangre", "cabeza", "estómago", "brazo", "pierna", "corazón",
	"pecho", "espalda", "fiebre", "tos", "gripe", "resfriado", "alergia", "presión",
	"diabetes", "pastilla", "pastillas", "inyección", "radiografía", "examen", "consulta",
	"enfermera", "enfermero", "clínica", "urgencias", "emergencia", "receta", "dosis",
	"tomar", "sentir", "duele", "duelen", "molesta", "molestan", "mejor", "peor", "grave",
	"leve", "crónico", "agudo", "infección", "inflamación", "hinchazón", "mareo", "náusea",
	"vómito", "diarrea", "estreñimiento", "insomnio", "cansancio", "debilidad",
)

var englishLexicon = newLexicon(
	// function words
	"the", "is", "are", "was", "were", "have", "has", "had", "do", "does", "did", "will",
	"would", "could", "should", "can", "may", "might", "must", "shall", "this", "that",
	"these", "those", "you", "he", "she", "it", "we", "they", "me", "him", "her", "us",
	"them", "my", "your", "his", "its", "our", "their", "and", "or", "but", "so", "if",
	"when", "where", "why", "how", "what", "who", "which", "with", "without", "for",
	"from", "to", "at", "in", "on", "by", "about", "over", "under", "through", "during",
	"before", "after", "above", "below", "up", "down", "out", "off", "again", "further",
	"then", "once",
	// clinical vocabulary
	"pain", "medicine", "medication", "doctor", "patient", "hospital", "disease",
	"illness", "symptom", "symptoms", "treatment", "appointment", "analysis", "blood",
	"head", "stomach", "arm", "leg", "heart", "chest", "back", "fever", "cough", "flu",
	"cold", "allergy", "pressure", "diabetes", "pill", "pills", "injection", "xray",
	"exam", "examination", "consultation", "nurse", "clinic", "emergency", "prescription",
	"dose", "take", "feel", "hurt", "hurts", "ache", "aches", "better", "worse", "serious",
	"mild", "chronic", "acute", "infection", "inflammation", "swelling", "dizzy", "nausea",
	"vomit", "diarrhea", "constipation", "insomnia", "tired", "weakness",
)

// spanishMarkers catches short Spanish phrases the ratio test cannot decide.
// Boundaries are letter-aware so accented words match.
var spanishMarkers = regexp.MustCompile(`(?:^|[^\p{L}])(?:el|la|los|las|es|está|son|están|de|del|al|con|por|para|que|qué|sí|no|muy|más|menos|bien|mal|dolor|duele|me|te|se|nos|os|le|les)(?:[^\p{L}]|$)`)

func newLexicon(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// DetectLanguage assigns text to English or Spanish using lexicon hit ratios,
// falling back to Spanish function-word markers and finally to English.
func DetectLanguage(text string) domain.Lang {
	clean := strings.ToLower(strings.TrimSpace(text))
	words := tokenize(clean)
	if len(words) == 0 {
		return domain.LangEnglish
	}

	var esHits, enHits int
	for _, w := range words {
		if _, ok := spanishLexicon[w]; ok {
			esHits++
		}
		if _, ok := englishLexicon[w]; ok {
			enHits++
		}
	}
	esRatio := float64(esHits) / float64(len(words))
	enRatio := float64(enHits) / float64(len(words))

	if esRatio > langThreshold && esRatio > enRatio {
		return domain.LangSpanish
	}
	if enRatio > langThreshold && enRatio > esRatio {
		return domain.LangEnglish
	}
	if spanishMarkers.MatchString(clean) {
		return domain.LangSpanish
	}
	return domain.LangEnglish
}

// tokenize splits on whitespace and drops tokens of one character or less.
// Punctuation stays attached, so "dolor," does not count as a lexicon hit.
func tokenize(text string) []string {
	fields := strings.Fields(text)
	words := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) <= 1 {
			continue
		}
		words = append(words, f)
	}
	return words
}
