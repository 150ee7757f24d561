package database

import "testing"

func TestBuildConjunctiveQuery(t *testing.T) {
	tests := []struct {
		name  string
		terms []string
		want  string
	}{
		{"plain terms", []string{"chest", "hypertrophy"}, "chest & hypertrophy"},
		{"case folded", []string{"Chest", "VOLUME"}, "chest & volume"},
		{"operators stripped", []string{"chest|press", "reps!"}, "chestpress & reps"},
		{"short terms dropped", []string{"do", "a", "deadlift"}, "deadlift"},
		{"all dropped", []string{"a", "of"}, ""},
		{"empty input", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildConjunctiveQuery(tt.terms); got != tt.want {
				t.Errorf("buildConjunctiveQuery(%v) = %q, want %q", tt.terms, got, tt.want)
			}
		})
	}
}
