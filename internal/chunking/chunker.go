// Package chunking splits curriculum text into overlapping windows sized for
// retrieval. Windows prefer sentence boundaries so a chunk rarely opens or
// closes mid-sentence.
package chunking

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"edgetutor/internal/config"
	"edgetutor/internal/errors"
)

// Chunk is one window of curriculum text with its placement metadata.
type Chunk struct {
	ID       string
	Text     string
	Topic    string
	Chapter  string
	Index    int
	TokenLen int
}

// Chunker windows text by approximate token count with overlap between
// consecutive windows.
type Chunker struct {
	sizeTokens    int
	overlapTokens int

	headingPattern *regexp.Regexp
	chapterPattern *regexp.Regexp
}

// NewChunker creates a chunker from configuration. Overlap is clamped below
// the window size so consecutive windows always advance.
func NewChunker(cfg *config.ChunkingConfig) *Chunker {
	size := cfg.SizeTokens
	if size <= 0 {
		size = 800
	}
	overlap := cfg.OverlapTokens
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Chunker{
		sizeTokens:    size,
		overlapTokens: overlap,
		// Lines like "BAB 5" or "Bab V" mark chapters; a short
		// title-case line elsewhere names the current topic.
		chapterPattern: regexp.MustCompile(`(?i)^bab\s+([0-9IVXLC]+)\b`),
		headingPattern: regexp.MustCompile(`^[A-Z][^\n.!?]{2,80}$`),
	}
}

// sentenceState is the chapter and topic in force after a sentence, plus
// whether the sentence itself is a structural marker rather than content.
type sentenceState struct {
	chapter  string
	topic    string
	isMarker bool
}

// Split windows the text. Each chunk carries the chapter and topic in force
// at its first content sentence.
func (c *Chunker) Split(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New(errors.KindValidation, "curriculum text cannot be empty")
	}

	sentences := splitSentences(text)
	states := c.annotate(sentences)

	var chunks []Chunk
	var window []string
	windowTokens := 0
	windowStart := 0

	emit := func(endIdx int) {
		joined := strings.TrimSpace(strings.Join(window, ""))
		if joined == "" {
			return
		}
		chapter, topic := stateForChunk(states, windowStart, endIdx)
		chunks = append(chunks, Chunk{
			ID:       uuid.New().String(),
			Text:     joined,
			Topic:    topic,
			Chapter:  chapter,
			Index:    len(chunks),
			TokenLen: windowTokens,
		})
	}

	for i, sentence := range sentences {
		tokens := countTokens(sentence)
		if windowTokens+tokens > c.sizeTokens && windowTokens > 0 {
			emit(i - 1)
			// Carry the overlap tail into the next window.
			var keep []string
			keptTokens := 0
			for j := i - 1; j >= windowStart && keptTokens < c.overlapTokens; j-- {
				keep = append([]string{sentences[j]}, keep...)
				keptTokens += countTokens(sentences[j])
			}
			windowStart = i - len(keep)
			window = keep
			windowTokens = keptTokens
		}
		if len(window) == 0 {
			windowStart = i
		}
		window = append(window, sentence)
		windowTokens += tokens
	}
	if len(window) > 0 {
		emit(len(sentences) - 1)
	}
	return chunks, nil
}

// annotate walks the sentences once, tracking the chapter and topic each
// marker line establishes.
func (c *Chunker) annotate(sentences []string) []sentenceState {
	states := make([]sentenceState, len(sentences))
	var chapter, topic string
	for i, sentence := range sentences {
		line := strings.TrimSpace(sentence)
		if m := c.chapterPattern.FindStringSubmatch(line); m != nil {
			chapter = strconv.Itoa(parseChapterNumber(m[1]))
			states[i] = sentenceState{chapter: chapter, topic: topic, isMarker: true}
			continue
		}
		if c.headingPattern.MatchString(line) {
			topic = strings.ToLower(line)
			states[i] = sentenceState{chapter: chapter, topic: topic, isMarker: true}
			continue
		}
		states[i] = sentenceState{chapter: chapter, topic: topic}
	}
	return states
}

// stateForChunk returns the marker state at the chunk's first content
// sentence, so a heading that opens a chunk labels that chunk.
func stateForChunk(states []sentenceState, start, end int) (chapter, topic string) {
	for i := start; i <= end && i < len(states); i++ {
		if !states[i].isMarker {
			return states[i].chapter, states[i].topic
		}
	}
	if end < len(states) {
		return states[end].chapter, states[end].topic
	}
	return "", ""
}

func parseChapterNumber(s string) int {
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	// Roman numerals appear in older textbook layouts.
	values := map[byte]int{'I': 1, 'V': 5, 'X': 10, 'L': 50, 'C': 100}
	total := 0
	for i := 0; i < len(s); i++ {
		v := values[s[i]]
		if i+1 < len(s) && v < values[s[i+1]] {
			total -= v
		} else {
			total += v
		}
	}
	return total
}

var sentenceEnd = regexp.MustCompile(`([.!?]["')\]]?\s+|\n\n+)`)

// splitSentences cuts text after sentence-final punctuation or paragraph
// breaks, keeping the delimiters so rejoining reproduces the original.
func splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		sentences = append(sentences, text[last:loc[1]])
		last = loc[1]
	}
	if last < len(text) {
		sentences = append(sentences, text[last:])
	}
	return sentences
}

// countTokens approximates token count by whitespace-separated words. Close
// enough for window sizing; exact tokenizer counts belong to the model
// server.
func countTokens(s string) int {
	return len(strings.Fields(s))
}
