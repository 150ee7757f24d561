package retrieval

import (
	"context"
	"strings"
	"testing"

	"fitcoach/database"
)

func TestAssembleContextMarkers(t *testing.T) {
	tests := []struct {
		name        string
		intent      Intent
		candidates  []Candidate
		wantMarker  string
		notMarker   string
		noGrounding bool
	}{
		{
			name:        "empty retrieval on continuation permits reuse",
			intent:      IntentContinuation,
			wantMarker:  ContinuationMarker,
			notMarker:   NoGroundingMarker,
			noGrounding: true,
		},
		{
			name:        "empty retrieval otherwise admits missing evidence",
			intent:      IntentGeneric,
			wantMarker:  NoGroundingMarker,
			notMarker:   ContinuationMarker,
			noGrounding: true,
		},
		{
			name:   "grounded answer gets the citation note",
			intent: IntentGeneric,
			candidates: []Candidate{
				{ItemID: mustUUID("11111111-1111-1111-1111-111111111111"), ChunkIndex: 0, SourceTitle: "Guide", Content: "Train hard.", Score: 0.9},
			},
			wantMarker:  "[cite:",
			notMarker:   NoGroundingMarker,
			noGrounding: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := assembleContext(assembleParams{
				Candidates:   tt.candidates,
				Intent:       tt.intent,
				TokenBudget:  4096,
				Instruction:  0.3,
				Retrieved:    0.5,
				HistoryShare: 0.2,
			})
			if block.NoGrounding != tt.noGrounding {
				t.Errorf("NoGrounding = %v, want %v", block.NoGrounding, tt.noGrounding)
			}
			if !strings.Contains(block.Text, tt.wantMarker) {
				t.Errorf("context missing %q:\n%s", tt.wantMarker, block.Text)
			}
			if strings.Contains(block.Text, tt.notMarker) {
				t.Errorf("context unexpectedly contains %q:\n%s", tt.notMarker, block.Text)
			}
		})
	}
}

func TestAssembleContextFoundationalFirstAndDeduplicated(t *testing.T) {
	principle := Candidate{
		ItemID: mustUUID("11111111-1111-1111-1111-111111111111"), ChunkIndex: 0,
		SourceTitle: "Volume Principles", Content: "Volume drives growth.", Score: 0.5,
	}
	specific := Candidate{
		ItemID: mustUUID("22222222-2222-2222-2222-222222222222"), ChunkIndex: 3,
		SourceTitle: "Chest Guide", Content: "Press with a full stretch.", Score: 0.9,
	}

	block := assembleContext(assembleParams{
		Candidates:   []Candidate{specific, principle}, // principle also retrieved
		Foundational: []Candidate{principle},
		Intent:       IntentProgramRequest,
		TokenBudget:  4096,
		Instruction:  0.3,
		Retrieved:    0.5,
		HistoryShare: 0.2,
	})

	if len(block.Passages) != 2 {
		t.Fatalf("got %d passages, want 2 (duplicate collapsed)", len(block.Passages))
	}
	if block.Passages[0].ItemID != principle.ItemID {
		t.Errorf("foundational passage not first: %+v", block.Passages[0])
	}
	if len(block.SourceTitles) != 2 {
		t.Errorf("got source titles %v, want both sources once", block.SourceTitles)
	}
}

func TestAssembleContextRespectsRetrievedBudget(t *testing.T) {
	long := strings.Repeat("progressive overload ", 50)
	var candidates []Candidate
	for i := 0; i < 10; i++ {
		candidates = append(candidates, Candidate{
			ItemID: mustUUID("11111111-1111-1111-1111-111111111111"), ChunkIndex: i,
			SourceTitle: "Guide", Content: long, Score: 0.9,
		})
	}

	block := assembleContext(assembleParams{
		Candidates:  candidates,
		Intent:      IntentGeneric,
		TokenBudget: 200, // 400 chars for retrieved text
		Instruction: 0.3,
		Retrieved:   0.5,
	})

	if len(block.Passages) == 0 {
		t.Fatal("budget cap dropped every passage; the first must always fit")
	}
	if len(block.Passages) >= len(candidates) {
		t.Errorf("budget cap kept all %d passages", len(block.Passages))
	}
	if len(block.Citations) != len(block.Passages) {
		t.Errorf("citations (%d) out of step with passages (%d)", len(block.Citations), len(block.Passages))
	}
}

func TestRenderHistoryKeepsMostRecent(t *testing.T) {
	history := []Turn{
		{Role: "user", Content: "first question about squats"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "latest question"},
	}

	full := renderHistory(history, 10_000)
	for _, turn := range history {
		if !strings.Contains(full, turn.Content) {
			t.Errorf("full history missing %q", turn.Content)
		}
	}
	if strings.Index(full, "first question") > strings.Index(full, "latest question") {
		t.Error("history not rendered oldest first")
	}

	tight := renderHistory(history, 30)
	if !strings.Contains(tight, "latest question") {
		t.Errorf("tight budget dropped the most recent turn: %q", tight)
	}
	if strings.Contains(tight, "first question") {
		t.Errorf("tight budget kept the oldest turn: %q", tight)
	}
}

func TestAssembleFetchesFoundationalPassages(t *testing.T) {
	store := &fakeStore{
		categoryHits: []database.PassageHit{
			{ItemID: mustUUID("33333333-3333-3333-3333-333333333333"), ChunkIndex: 0, Title: "Principles", Content: "Recover between sessions.", Score: 0.4},
		},
	}
	engine := newTestEngine(t, store, &fakeLLM{})

	block := engine.Assemble(context.Background(), nil, IntentProgramRequest, nil)
	if len(block.Passages) != 1 {
		t.Fatalf("got %d passages, want the foundational one", len(block.Passages))
	}
	if block.Passages[0].SourceTitle != "Principles" {
		t.Errorf("unexpected foundational passage: %+v", block.Passages[0])
	}
	if block.NoGrounding {
		t.Error("foundational passage should count as grounding")
	}
}
