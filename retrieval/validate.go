package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"fitcoach/database"
	"fitcoach/llmclient"

	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
	"github.com/google/uuid"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"
)

// ParameterKind is a prescription variable a program-design answer must
// contain.
type ParameterKind string

const (
	ParamRepRange     ParameterKind = "rep_range"
	ParamSetCount     ParameterKind = "set_count"
	ParamRestDuration ParameterKind = "rest_duration"
)

// EntityFinding is one exercise mention that is not in the approved
// vocabulary, with the replacement picked from vocabulary entries actually
// present in the retrieved context (never an arbitrary default).
type EntityFinding struct {
	Mention     string
	Replacement string
}

// Verdict is the per-answer validation record. It is returned alongside
// the answer for observability, never silently dropped.
type Verdict struct {
	CitedSources      []uuid.UUID
	InvalidCitations  []string
	MissingParameters []ParameterKind
	InvalidEntities   []EntityFinding
	Passed            bool
}

var (
	citationPattern = regexp.MustCompile(`\[cite:([0-9a-fA-F-]{36}):(\d+)\]`)

	repRangePattern = regexp.MustCompile(`(?i)\b\d+\s*(?:-|–|to)\s*\d+\s*reps?\b|\b\d+\s*reps?\b`)
	setCountPattern = regexp.MustCompile(`(?i)\b\d+\s*(?:sets?|x\s*\d+)\b`)
	restPattern     = regexp.MustCompile(`(?i)\b\d+\s*(?:seconds?|secs?|s|minutes?|mins?|min)\b[^.\n]{0,20}\brest|\brest\b[^.\n]{0,20}\b\d+\s*(?:seconds?|secs?|minutes?|mins?|min)\b`)

	// Lines like "- Bench Press: 3 sets of 8" or "2) Cable Fly, 4x12".
	prescriptionLine = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s*([A-Za-z][A-Za-z' -]{2,40}?)\s*(?:[-–—:,])\s*\d+\s*(?:x\s*\d+|sets?)`)
)

// ExtractCitations parses the bracketed citation markers out of a generated
// answer. Markers whose id or chunk index fails to parse are reported as
// raw strings.
func ExtractCitations(answer string) ([]Citation, []string) {
	var cited []Citation
	var malformed []string
	for _, match := range citationPattern.FindAllStringSubmatch(answer, -1) {
		id, err := uuid.Parse(match[1])
		if err != nil {
			malformed = append(malformed, match[0])
			continue
		}
		chunk, err := strconv.Atoi(match[2])
		if err != nil {
			// An index that overflows int must not collapse to chunk 0.
			malformed = append(malformed, match[0])
			continue
		}
		cited = append(cited, Citation{ItemID: id, ChunkIndex: chunk})
	}
	return cited, malformed
}

// Validate checks a generated answer against the context that produced it:
// citations must point at supplied passages, exercise mentions must be in
// the approved vocabulary for the inferred muscle group, and program
// answers must carry every required prescription parameter.
func (e *Engine) Validate(ctx context.Context, answer string, contextUsed ContextBlock, intent Intent) (Verdict, error) {
	verdict := Verdict{}

	// (a, b) citations against the supplied context.
	inContext := make(map[passageKey]struct{}, len(contextUsed.Citations))
	for _, c := range contextUsed.Citations {
		inContext[passageKey{c.ItemID, c.ChunkIndex}] = struct{}{}
	}
	cited, malformed := ExtractCitations(answer)
	verdict.InvalidCitations = append(verdict.InvalidCitations, malformed...)
	citedSet := make(map[uuid.UUID]struct{})
	for _, c := range cited {
		if _, ok := inContext[passageKey{c.ItemID, c.ChunkIndex}]; !ok {
			verdict.InvalidCitations = append(verdict.InvalidCitations,
				fmt.Sprintf("[cite:%s:%d]", c.ItemID, c.ChunkIndex))
			continue
		}
		if _, ok := citedSet[c.ItemID]; !ok {
			citedSet[c.ItemID] = struct{}{}
			verdict.CitedSources = append(verdict.CitedSources, c.ItemID)
		}
	}

	plain := flattenMarkdown(answer)

	// (c) exercise mentions against the approved vocabulary.
	findings, err := e.checkEntities(ctx, answer, plain, contextUsed)
	if err != nil {
		return verdict, err
	}
	verdict.InvalidEntities = findings

	// (d) required prescription parameters for program answers.
	if intent == IntentProgramRequest {
		verdict.MissingParameters = missingParameters(plain)
	}

	verdict.Passed = len(verdict.InvalidCitations) == 0 &&
		len(verdict.InvalidEntities) == 0 &&
		len(verdict.MissingParameters) == 0
	return verdict, nil
}

// checkEntities flags exercise mentions absent from the vocabulary. The
// replacement for a flagged mention is the highest-scoring same-group
// vocabulary entry that actually appears in the retrieved context.
func (e *Engine) checkEntities(ctx context.Context, rawAnswer, plainAnswer string, contextUsed ContextBlock) ([]EntityFinding, error) {
	mentions := exerciseMentions(rawAnswer, plainAnswer)
	if len(mentions) == 0 {
		return nil, nil
	}

	vocab, err := e.store.ListApprovedExercises(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load approved vocabulary: %w", err)
	}
	approved := make(map[string]string, len(vocab)) // lowercased name -> muscle group
	for _, ex := range vocab {
		approved[strings.ToLower(ex.Name)] = ex.MuscleGroup
	}

	groups := DetectMuscleGroups(plainAnswer)
	groupSet := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		groupSet[g] = struct{}{}
	}

	var findings []EntityFinding
	seen := make(map[string]struct{})
	for _, mention := range mentions {
		lower := strings.ToLower(strings.TrimSpace(mention))
		if lower == "" {
			continue
		}
		if group, ok := approved[lower]; ok {
			// Approval is scoped: when the answer names muscle groups, a
			// vocabulary entry for a different group is not approved here.
			if len(groupSet) == 0 {
				continue
			}
			if _, in := groupSet[group]; in {
				continue
			}
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		findings = append(findings, EntityFinding{
			Mention:     mention,
			Replacement: e.replacementFor(groups, vocab, contextUsed),
		})
	}
	return findings, nil
}

// replacementFor picks the approved exercise, scoped to the inferred muscle
// groups, that appears in the highest-scoring retrieved passage. Returns ""
// when no in-context vocabulary entry qualifies; a substitute is never
// invented.
func (e *Engine) replacementFor(groups []string, vocab []database.Exercise, contextUsed ContextBlock) string {
	groupSet := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		groupSet[g] = struct{}{}
	}

	best := ""
	bestScore := -1.0
	for _, ex := range vocab {
		if len(groupSet) > 0 {
			if _, ok := groupSet[ex.MuscleGroup]; !ok {
				continue
			}
		}
		nameLower := strings.ToLower(ex.Name)
		for _, passage := range contextUsed.Passages {
			if !containsPhrase(strings.ToLower(passage.Content), nameLower) {
				continue
			}
			if passage.Score > bestScore {
				bestScore = passage.Score
				best = ex.Name
			}
		}
	}
	return best
}

// exerciseMentions pulls candidate exercise names from an answer: names on
// prescription-style list lines (scanned on the raw markdown, which still
// has the bullets) plus whatever the NLP pass tags as a named entity in the
// flattened text. Both are imperfect; false positives get filtered against
// the vocabulary by the caller.
func exerciseMentions(raw, plain string) []string {
	var mentions []string
	for _, match := range prescriptionLine.FindAllStringSubmatch(raw, -1) {
		mentions = append(mentions, strings.TrimSpace(match[1]))
	}

	doc, err := prose.NewDocument(plain, prose.WithSegmentation(false))
	if err == nil {
		for _, ent := range doc.Entities() {
			mentions = append(mentions, ent.Text)
		}
	}
	return mentions
}

// missingParameters reports which required prescription kinds are absent.
func missingParameters(plain string) []ParameterKind {
	var missing []ParameterKind
	if !repRangePattern.MatchString(plain) {
		missing = append(missing, ParamRepRange)
	}
	if !setCountPattern.MatchString(plain) {
		missing = append(missing, ParamSetCount)
	}
	if !restPattern.MatchString(plain) {
		missing = append(missing, ParamRestDuration)
	}
	return missing
}

// ReviseOnce asks the generator for a single corrected answer naming the
// missing parameter kinds. One attempt, never a loop; if the revision still
// fails validation the caller returns the best-effort answer with its
// verdict attached.
func (e *Engine) ReviseOnce(ctx context.Context, answer string, missing []ParameterKind, contextUsed ContextBlock) (string, error) {
	if len(missing) == 0 {
		return answer, nil
	}

	names := make([]string, len(missing))
	for i, kind := range missing {
		names[i] = string(kind)
	}
	instruction := fmt.Sprintf(
		"Your previous answer is missing these required programming details: %s. Rewrite the answer so each is explicitly specified, keeping everything else the same and keeping all citation markers.",
		strings.Join(names, ", "))

	messages := []llmclient.Message{
		{Role: "system", Content: contextUsed.Instructions},
		{Role: "assistant", Content: answer},
		{Role: "user", Content: instruction},
	}
	revised, err := e.llm.Chat(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("revision call: %w", err)
	}
	e.logger.Debug("Revised answer for missing parameters", zap.Strings("missing", names))
	return strings.TrimSpace(revised), nil
}

// flattenMarkdown renders a markdown answer down to plain text so entity
// and parameter scans do not trip over formatting.
func flattenMarkdown(md string) string {
	p := parser.New()
	doc := p.Parse([]byte(md))

	var b strings.Builder
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		if leaf := node.AsLeaf(); leaf != nil && len(leaf.Literal) > 0 {
			b.Write(leaf.Literal)
			b.WriteByte('\n')
		}
		return ast.GoToNext
	})
	return b.String()
}
