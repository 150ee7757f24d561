package ingest

import "strings"

// approxCharsPerToken mirrors the embedding model's observed average; chunk
// sizing only needs to be roughly right.
const approxCharsPerToken = 4

// SentenceSplitter segments raw document text into sentences.
type SentenceSplitter interface {
	Split(text string) []string
}

// RegexSentenceSplitter is a dependency-free splitter on terminal
// punctuation. Abbreviations occasionally over-split; chunk overlap absorbs
// the damage.
type RegexSentenceSplitter struct{}

func NewRegexSentenceSplitter() RegexSentenceSplitter {
	return RegexSentenceSplitter{}
}

func (RegexSentenceSplitter) Split(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	var sentences []string
	var builder strings.Builder

	isBoundary := func(r rune) bool {
		switch r {
		case '.', '!', '?':
			return true
		default:
			return false
		}
	}

	flush := func() {
		if builder.Len() == 0 {
			return
		}
		sentence := strings.TrimSpace(builder.String())
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		builder.Reset()
	}

	for idx, r := range runes {
		builder.WriteRune(r)
		if !isBoundary(r) {
			continue
		}
		next := idx + 1
		for next < len(runes) && (runes[next] == ' ' || runes[next] == '\n' || runes[next] == '\t') {
			next++
		}
		if next >= len(runes) || isBoundary(runes[next]) {
			continue
		}
		flush()
	}

	flush()

	if len(sentences) == 0 {
		return []string{trimmed}
	}
	return sentences
}

// ChunkText slices document text into sentence-aligned chunks of roughly
// chunkTokens tokens with overlapTokens of trailing context carried into
// the next chunk. Chunk order is the passage chunk_index order; indices are
// contiguous from zero.
func ChunkText(splitter SentenceSplitter, text string, chunkTokens, overlapTokens int) []string {
	if chunkTokens <= 0 {
		chunkTokens = 512
	}
	if overlapTokens < 0 || overlapTokens >= chunkTokens {
		overlapTokens = chunkTokens / 5
	}
	chunkChars := chunkTokens * approxCharsPerToken
	overlapChars := overlapTokens * approxCharsPerToken

	sentences := splitter.Split(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var current []string
	currentLen := 0
	fresh := false

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, strings.Join(current, " "))

		// Carry trailing sentences into the next chunk as overlap.
		var carry []string
		carried := 0
		for i := len(current) - 1; i >= 0; i-- {
			if carried+len(current[i]) > overlapChars {
				break
			}
			carried += len(current[i]) + 1
			carry = append([]string{current[i]}, carry...)
		}
		current = carry
		currentLen = carried
		fresh = false
	}

	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}

		// An oversized sentence becomes its own run of character-bounded
		// chunks.
		if len(sentence) > chunkChars {
			flush()
			current = nil
			currentLen = 0
			for start := 0; start < len(sentence); start += chunkChars {
				end := start + chunkChars
				if end > len(sentence) {
					end = len(sentence)
				}
				segment := strings.TrimSpace(sentence[start:end])
				if segment != "" {
					chunks = append(chunks, segment)
				}
			}
			continue
		}

		prospective := currentLen + len(sentence)
		if len(current) > 0 {
			prospective++
		}
		if prospective > chunkChars {
			flush()
		}
		current = append(current, sentence)
		currentLen += len(sentence) + 1
		fresh = true
	}

	// Only emit the tail when it holds something beyond carried overlap.
	if len(current) > 0 && fresh {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}
