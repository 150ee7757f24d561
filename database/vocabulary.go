package database

import (
	"context"
	"fmt"
	"strings"
)

// Exercise is one entry in the approved exercise vocabulary. The engine only
// ever reads this table; maintaining it is an editorial task.
type Exercise struct {
	ID          int
	Name        string
	MuscleGroup string
}

// ListApprovedExercises returns the whole vocabulary, optionally scoped to a
// muscle group. Names come back in stable alphabetical order.
func (s *PostgresStore) ListApprovedExercises(ctx context.Context, muscleGroup string) ([]Exercise, error) {
	var builder strings.Builder
	builder.WriteString(`SELECT id, name, muscle_group FROM approved_exercises`)
	var args []any
	if muscleGroup != "" {
		builder.WriteString(` WHERE muscle_group = $1`)
		args = append(args, muscleGroup)
	}
	builder.WriteString(` ORDER BY name`)

	rows, err := s.DB.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved exercises: %w", err)
	}
	defer rows.Close()

	var exercises []Exercise
	for rows.Next() {
		var ex Exercise
		if err := rows.Scan(&ex.ID, &ex.Name, &ex.MuscleGroup); err != nil {
			return nil, fmt.Errorf("failed to scan exercise: %w", err)
		}
		exercises = append(exercises, ex)
	}
	return exercises, rows.Err()
}
