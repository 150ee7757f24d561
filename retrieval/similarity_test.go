package retrieval

import (
	"context"
	"fmt"
	"math"
	"testing"

	"fitcoach/database"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"zero norm left", []float32{0, 0}, []float32{1, 1}, 0.0},
		{"zero norm right", []float32{1, 1}, []float32{0, 0}, 0.0},
		{"mismatched lengths", []float32{1, 2}, []float32{1, 2, 3}, 0.0},
		{"both empty", nil, nil, 0.0},
		{"scaled is angle invariant", []float32{2, 4, 6}, []float32{1, 2, 3}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("CosineSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func vecLiteral(vec []float32) string {
	s := "["
	for i, v := range vec {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%g", v)
	}
	return s + "]"
}

func TestFallbackScorerMatchesBruteForce(t *testing.T) {
	query := []float32{1, 0, 0}
	vectors := map[string][]float32{
		"11111111-1111-1111-1111-111111111111": {0.9, 0.1, 0},
		"22222222-2222-2222-2222-222222222222": {0.5, 0.5, 0},
		"33333333-3333-3333-3333-333333333333": {0, 1, 0},
		"44444444-4444-4444-4444-444444444444": {0.7, 0.3, 0.1},
	}

	var rows []database.EmbeddingRow
	for _, id := range []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
		"33333333-3333-3333-3333-333333333333",
		"44444444-4444-4444-4444-444444444444",
	} {
		rows = append(rows, database.EmbeddingRow{
			ItemID:       mustUUID(id),
			ChunkIndex:   0,
			Title:        "doc " + id[:8],
			Content:      "content",
			EmbeddingRaw: vecLiteral(vectors[id]),
		})
	}

	store := &fakeStore{embeddingRows: rows}
	logger, _ := zap.NewDevelopment()
	scorer := &fallbackScorer{store: store, batchSize: 2, logger: logger}

	hits, err := scorer.TopK(context.Background(), query, nil, 10, 0.0)
	if err != nil {
		t.Fatalf("TopK failed: %v", err)
	}
	if len(hits) != len(rows) {
		t.Fatalf("got %d hits, want %d", len(hits), len(rows))
	}

	for i, hit := range hits {
		want := CosineSimilarity(query, vectors[hit.ItemID.String()])
		if math.Abs(hit.Score-want) > 1e-6 {
			t.Errorf("hit %d score = %v, want %v", i, hit.Score, want)
		}
		if i > 0 && hits[i-1].Score < hit.Score {
			t.Errorf("hits not sorted descending at %d: %v < %v", i, hits[i-1].Score, hit.Score)
		}
	}
	if hits[0].ItemID != mustUUID("11111111-1111-1111-1111-111111111111") {
		t.Errorf("best hit = %s, want the near-parallel vector", hits[0].ItemID)
	}
}

func TestFallbackScorerFloorMonotonic(t *testing.T) {
	query := []float32{1, 0}
	rows := []database.EmbeddingRow{
		{ItemID: mustUUID("11111111-1111-1111-1111-111111111111"), ChunkIndex: 0, EmbeddingRaw: "[1,0]"},
		{ItemID: mustUUID("22222222-2222-2222-2222-222222222222"), ChunkIndex: 0, EmbeddingRaw: "[0.6,0.8]"},
		{ItemID: mustUUID("33333333-3333-3333-3333-333333333333"), ChunkIndex: 0, EmbeddingRaw: "[0,1]"},
	}
	store := &fakeStore{embeddingRows: rows}
	logger, _ := zap.NewDevelopment()
	scorer := &fallbackScorer{store: store, batchSize: 50, logger: logger}

	prev := -1
	for _, floor := range []float64{0.9, 0.5, 0.1, -1.0} {
		hits, err := scorer.TopK(context.Background(), query, nil, 10, floor)
		if err != nil {
			t.Fatalf("TopK at floor %v failed: %v", floor, err)
		}
		if prev >= 0 && len(hits) < prev {
			t.Errorf("lowering the floor to %v shrank results: %d -> %d", floor, prev, len(hits))
		}
		prev = len(hits)
	}
	if prev != len(rows) {
		t.Errorf("floor -1 returned %d hits, want all %d", prev, len(rows))
	}
}

func TestFallbackScorerSkipsMalformedEmbedding(t *testing.T) {
	rows := []database.EmbeddingRow{
		{ItemID: mustUUID("11111111-1111-1111-1111-111111111111"), ChunkIndex: 0, EmbeddingRaw: "[1,0]"},
		{ItemID: mustUUID("22222222-2222-2222-2222-222222222222"), ChunkIndex: 0, EmbeddingRaw: "not-a-vector"},
		{ItemID: mustUUID("33333333-3333-3333-3333-333333333333"), ChunkIndex: 0, EmbeddingRaw: "[0.5,0.5]"},
	}
	store := &fakeStore{embeddingRows: rows}
	logger, _ := zap.NewDevelopment()
	scorer := &fallbackScorer{store: store, batchSize: 50, logger: logger}

	hits, err := scorer.TopK(context.Background(), []float32{1, 0}, nil, 10, 0.0)
	if err != nil {
		t.Fatalf("TopK failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2 (malformed row skipped)", len(hits))
	}
	for _, hit := range hits {
		if hit.ItemID == mustUUID("22222222-2222-2222-2222-222222222222") {
			t.Errorf("malformed row leaked into results")
		}
	}
}

func TestFallbackScorerCategoryScope(t *testing.T) {
	inScope := mustUUID("11111111-1111-1111-1111-111111111111")
	outOfScope := mustUUID("22222222-2222-2222-2222-222222222222")
	store := &fakeStore{
		embeddingRows: []database.EmbeddingRow{
			{ItemID: inScope, ChunkIndex: 0, EmbeddingRaw: "[1,0]"},
			{ItemID: outOfScope, ChunkIndex: 0, EmbeddingRaw: "[1,0]"},
		},
		categoryItems: map[uuid.UUID]struct{}{inScope: {}},
	}
	logger, _ := zap.NewDevelopment()
	scorer := &fallbackScorer{store: store, batchSize: 50, logger: logger}

	hits, err := scorer.TopK(context.Background(), []float32{1, 0}, []string{"myths"}, 10, 0.0)
	if err != nil {
		t.Fatalf("TopK failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ItemID != inScope {
		t.Fatalf("category scope not applied: %+v", hits)
	}
}

func TestParseVector(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []float32
		wantErr bool
	}{
		{"simple", "[0.1,0.2,0.3]", []float32{0.1, 0.2, 0.3}, false},
		{"spaces", " [1, -2.5, 3] ", []float32{1, -2.5, 3}, false},
		{"empty literal", "[]", nil, true},
		{"not bracketed", "0.1,0.2", nil, true},
		{"bad component", "[0.1,abc]", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVector(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseVector(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("component %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
