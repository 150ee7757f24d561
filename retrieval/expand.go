package retrieval

import (
	"context"
	"strings"

	"fitcoach/llmclient"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"
)

// VariantKind tags the origin of a query variant.
type VariantKind int

const (
	VariantDirect VariantKind = iota
	VariantEntity
	VariantHypothetical
	VariantParameters
)

// QueryVariant is one retrieval query derived from the user's question.
// Expansion widens recall only; relevance decisions stay with the
// orchestrator.
type QueryVariant struct {
	Text string
	Kind VariantKind
}

const hydeSystemPrompt = `You are an experienced strength coach. Write a short paragraph (3-4 sentences) that would be the ideal answer to the user's question, as if quoting from a training manual. Be concrete and use standard exercise terminology. Output only the paragraph.`

// programParameterTerms are appended to program-design queries so retrieval
// also surfaces passages about prescription variables, not just exercise
// selection.
const programParameterTerms = "sets reps rest periods volume progression frequency"

// expandQuery turns one user query into the ordered variant list: the query
// verbatim, entity-synonym variants, a hypothetical ideal answer, and a
// programming-parameter variant for program requests. Capped at
// cfg.MaxQueryVariants; the verbatim query always survives the cap.
func (e *Engine) expandQuery(ctx context.Context, query string, intent Intent, groups []string) []QueryVariant {
	variants := []QueryVariant{{Text: query, Kind: VariantDirect}}

	for _, group := range groups {
		syns := muscleSynonyms[group]
		if len(syns) == 0 {
			continue
		}
		variants = append(variants, QueryVariant{
			Text: query + " " + strings.Join(syns, " "),
			Kind: VariantEntity,
		})
	}

	if intent == IntentProgramRequest {
		variants = append(variants, QueryVariant{
			Text: query + " " + programParameterTerms,
			Kind: VariantParameters,
		})
	}

	// The hypothetical answer's embedding sits closer to real supporting
	// passages than the bare question's does. Skipped silently when the
	// generator is unavailable.
	if hyde := e.hypotheticalAnswer(ctx, query); hyde != "" {
		variants = append(variants, QueryVariant{Text: hyde, Kind: VariantHypothetical})
	}

	maxVariants := e.cfg.MaxQueryVariants
	if maxVariants > 0 && len(variants) > maxVariants {
		variants = variants[:maxVariants]
	}
	return variants
}

func (e *Engine) hypotheticalAnswer(ctx context.Context, query string) string {
	messages := []llmclient.Message{
		{Role: "system", Content: hydeSystemPrompt},
		{Role: "user", Content: query},
	}
	answer, err := e.llm.Chat(ctx, messages, nil)
	if err != nil {
		e.logger.Warn("Hypothetical answer generation failed, retrieving with literal query only", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(answer)
}

// extractTerms tokenizes the query and keeps content-bearing terms longer
// than two characters for AND-conjunctive keyword search.
func extractTerms(query string) []string {
	var tokens []string
	doc, err := prose.NewDocument(query,
		prose.WithExtraction(false),
		prose.WithTagging(false),
		prose.WithSegmentation(false))
	if err == nil {
		for _, tok := range doc.Tokens() {
			tokens = append(tokens, tok.Text)
		}
	} else {
		tokens = strings.Fields(query)
	}

	seen := make(map[string]struct{})
	var terms []string
	for _, tok := range tokens {
		term := strings.ToLower(strings.TrimFunc(tok, func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
		}))
		if len(term) <= 2 {
			continue
		}
		if _, ok := stopwords[term]; ok {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "what": {}, "how": {},
	"should": {}, "can": {}, "are": {}, "was": {}, "does": {}, "about": {},
	"have": {}, "this": {}, "that": {}, "from": {}, "you": {}, "your": {},
	"any": {}, "all": {}, "get": {}, "not": {}, "but": {}, "when": {},
	"which": {}, "would": {}, "could": {}, "there": {}, "them": {}, "then": {},
}
