// Package pedagogy tracks what each student knows: topic classification,
// mastery scoring, weak-area detection, adaptive practice, and weekly
// reports.
package pedagogy

import "strings"

// TopicUnknown is returned when no rule matches a question.
const TopicUnknown = "unknown"

// topicRule maps keywords to a topic. Rules are evaluated in order; the
// first rule with a matching keyword wins, so classification is pure and
// deterministic.
type topicRule struct {
	topic    string
	keywords []string
}

// subjectRules is keyed by lowercase subject code prefix (the code without
// its grade suffix), so "MAT10" through "MAT12" share one table.
var subjectRules = map[string][]topicRule{
	"mat": {
		{"aljabar", []string{"aljabar", "persamaan", "variabel", "linear", "kuadrat", "faktorisasi"}},
		{"geometri", []string{"geometri", "pythagoras", "segitiga", "lingkaran", "bangun", "sudut", "luas", "keliling", "volume"}},
		{"trigonometri", []string{"trigonometri", "sinus", "cosinus", "tangen", "sin ", "cos ", "tan "}},
		{"statistika", []string{"statistika", "rata-rata", "median", "modus", "peluang", "probabilitas", "data"}},
		{"kalkulus", []string{"turunan", "integral", "limit", "diferensial"}},
		{"barisan", []string{"barisan", "deret", "aritmetika", "geometri tak hingga"}},
	},
	"fis": {
		{"mekanika", []string{"gaya", "newton", "gerak", "kecepatan", "percepatan", "momentum", "energi kinetik"}},
		{"listrik", []string{"listrik", "arus", "tegangan", "hambatan", "ohm", "rangkaian"}},
		{"gelombang", []string{"gelombang", "frekuensi", "amplitudo", "bunyi", "cahaya", "optik"}},
		{"termodinamika", []string{"kalor", "suhu", "termodinamika", "panas", "entropi"}},
	},
	"kim": {
		{"stoikiometri", []string{"mol", "stoikiometri", "massa molar", "reaksi kimia"}},
		{"ikatan", []string{"ikatan", "ion", "kovalen", "elektron valensi"}},
		{"asam-basa", []string{"asam", "basa", "ph", "larutan"}},
	},
	"bio": {
		{"sel", []string{"sel", "organel", "membran", "mitokondria"}},
		{"genetika", []string{"gen", "dna", "kromosom", "pewarisan", "mutasi"}},
		{"ekosistem", []string{"ekosistem", "rantai makanan", "populasi", "lingkungan"}},
		{"fotosintesis", []string{"fotosintesis", "klorofil", "respirasi"}},
	},
}

// ClassifyTopic maps a question to a topic for the subject. Unmatched
// questions return the unknown sentinel.
func ClassifyTopic(subjectCode, question string) string {
	q := " " + strings.ToLower(question) + " "
	rules := subjectRules[subjectPrefix(subjectCode)]
	for _, rule := range rules {
		for _, kw := range rule.keywords {
			if strings.Contains(q, kw) {
				return rule.topic
			}
		}
	}
	return TopicUnknown
}

// subjectPrefix strips the trailing grade digits from a subject code.
func subjectPrefix(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	end := len(code)
	for end > 0 && code[end-1] >= '0' && code[end-1] <= '9' {
		end--
	}
	return code[:end]
}
