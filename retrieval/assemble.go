package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Markers the generation layer keys its behavior on. NoGroundingMarker
// tells the generator to be honest about missing evidence;
// ContinuationMarker permits reuse of exercises already named in the
// conversation, which avoids the generator contradicting itself mid-workout
// when retrieval comes back empty on a "continue" message.
const (
	NoGroundingMarker   = "NO_SUPPORTING_SOURCES"
	ContinuationMarker  = "CONTINUATION_ALLOWED"
	citationFormatNote  = "Cite every factual claim with its source marker, e.g. [cite:<source-id>:<chunk>]."
	approxCharsPerToken = 4
)

// assembleParams carries everything assembleContext needs so it stays a
// pure function.
type assembleParams struct {
	Candidates   []Candidate
	Foundational []Candidate
	History      []Turn
	Intent       Intent
	TokenBudget  int
	Instruction  float64
	Retrieved    float64
	HistoryShare float64
}

// Assemble builds the final prompt context. Foundational principle
// passages are always placed ahead of query-specific ones: program answers
// are incomplete without volume/progression/rest principles even when the
// query's wording never retrieves them.
func (e *Engine) Assemble(ctx context.Context, candidates []Candidate, intent Intent, history []Turn) ContextBlock {
	var foundational []Candidate
	if e.cfg.FoundationalCategory != "" && e.cfg.FoundationalLimit > 0 {
		hits, err := e.store.PassagesByCategory(ctx, e.cfg.FoundationalCategory, e.cfg.FoundationalLimit)
		if err != nil {
			e.logger.Warn("Failed to load foundational passages", zap.Error(err))
		} else {
			foundational = toCandidates(hits, StrategyCategory)
		}
	}

	return assembleContext(assembleParams{
		Candidates:   candidates,
		Foundational: foundational,
		History:      history,
		Intent:       intent,
		TokenBudget:  e.cfg.ContextTokenBudget,
		Instruction:  e.cfg.InstructionShare,
		Retrieved:    e.cfg.RetrievedShare,
		HistoryShare: e.cfg.HistoryShare,
	})
}

func assembleContext(p assembleParams) ContextBlock {
	budget := p.TokenBudget
	if budget <= 0 {
		budget = 4096
	}
	retrievedShare := p.Retrieved
	if retrievedShare <= 0 {
		retrievedShare = 0.5
	}
	historyShare := p.HistoryShare
	if historyShare < 0 {
		historyShare = 0.2
	}
	retrievedChars := int(float64(budget) * retrievedShare * approxCharsPerToken)
	historyChars := int(float64(budget) * historyShare * approxCharsPerToken)

	// Foundational first, then query-specific, deduplicating any
	// foundational passage already retrieved.
	seen := make(map[passageKey]struct{})
	ordered := make([]Candidate, 0, len(p.Foundational)+len(p.Candidates))
	for _, cand := range p.Foundational {
		key := passageKey{cand.ItemID, cand.ChunkIndex}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, cand)
	}
	for _, cand := range p.Candidates {
		key := passageKey{cand.ItemID, cand.ChunkIndex}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, cand)
	}

	var block ContextBlock
	var passages strings.Builder
	titleSet := make(map[string]struct{})

	for _, cand := range ordered {
		entry := fmt.Sprintf("[cite:%s:%d] %s\n%s\n\n",
			cand.ItemID, cand.ChunkIndex, cand.SourceTitle, cand.Content)
		if passages.Len() > 0 && passages.Len()+len(entry) > retrievedChars {
			break
		}
		passages.WriteString(entry)
		block.Passages = append(block.Passages, cand)
		block.Citations = append(block.Citations, Citation{
			ItemID:     cand.ItemID,
			ChunkIndex: cand.ChunkIndex,
			Title:      cand.SourceTitle,
		})
		if _, ok := titleSet[cand.SourceTitle]; !ok {
			titleSet[cand.SourceTitle] = struct{}{}
			block.SourceTitles = append(block.SourceTitles, cand.SourceTitle)
		}
	}

	noEvidence := len(block.Citations) == 0
	block.NoGrounding = noEvidence

	var instructions strings.Builder
	instructions.WriteString("You are a fitness coach. Answer using only the knowledge passages below.\n")
	switch {
	case noEvidence && p.Intent == IntentContinuation:
		// Telling the generator "no knowledge found" mid-workout makes it
		// contradict what it said two turns ago. Permit reuse instead.
		instructions.WriteString(ContinuationMarker + ": no new passages were found; you may keep working with the exercises already discussed in this conversation.\n")
	case noEvidence:
		instructions.WriteString(NoGroundingMarker + ": no supporting passages were found; say so plainly and keep the answer to general, uncontroversial principles.\n")
	default:
		instructions.WriteString(citationFormatNote + "\n")
	}
	block.Instructions = truncateRunes(instructions.String(), int(float64(budget)*p.Instruction*approxCharsPerToken))

	var text strings.Builder
	text.WriteString(block.Instructions)
	if passages.Len() > 0 {
		text.WriteString("\n<knowledge>\n")
		text.WriteString(passages.String())
		text.WriteString("</knowledge>\n")
	}
	if historyText := renderHistory(p.History, historyChars); historyText != "" {
		text.WriteString("\n<conversation>\n")
		text.WriteString(historyText)
		text.WriteString("</conversation>\n")
	}
	block.Text = text.String()
	return block
}

// renderHistory keeps the most recent turns that fit the budget, oldest
// first in the output.
func renderHistory(history []Turn, maxChars int) string {
	if len(history) == 0 || maxChars <= 0 {
		return ""
	}
	var kept []string
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		line := fmt.Sprintf("- %s: %s\n", history[i].Role, history[i].Content)
		if used+len(line) > maxChars && len(kept) > 0 {
			break
		}
		kept = append(kept, line)
		used += len(line)
	}
	var b strings.Builder
	for i := len(kept) - 1; i >= 0; i-- {
		b.WriteString(kept[i])
	}
	return b.String()
}

func truncateRunes(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
