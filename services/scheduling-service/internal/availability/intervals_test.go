package availability

import (
	"testing"
	"time"

	"github.com/appointly/appointly/services/scheduling-service/internal/domain"
)

func TestGrid_FitsWholeWindowsOnly(t *testing.T) {
	day := time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	span := domain.Window{Start: day.Add(9 * time.Hour), End: day.Add(10*time.Hour + 10*time.Minute)}

	slots := Grid(span, 20*time.Minute)
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}
	if !slots[2].End.Equal(day.Add(10 * time.Hour)) {
		t.Fatalf("expected last slot to end 10:00, got %s", slots[2].End.Format(time.RFC3339))
	}
	if Grid(span, 0) != nil {
		t.Fatalf("expected nil grid for zero duration")
	}
}

func TestSubtract_SplitsAroundCuts(t *testing.T) {
	day := time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	base := domain.Window{Start: day.Add(9 * time.Hour), End: day.Add(12 * time.Hour)}
	cuts := []domain.Window{
		{Start: day.Add(10 * time.Hour), End: day.Add(10*time.Hour + 30*time.Minute)},
		{Start: day.Add(10*time.Hour + 15*time.Minute), End: day.Add(11 * time.Hour)},
		{Start: day.Add(8 * time.Hour), End: day.Add(9*time.Hour + 15*time.Minute)},
	}

	free := Subtract(base, cuts)
	if len(free) != 2 {
		t.Fatalf("expected 2 free windows, got %d", len(free))
	}
	if !free[0].Start.Equal(day.Add(9*time.Hour+15*time.Minute)) || !free[0].End.Equal(day.Add(10*time.Hour)) {
		t.Fatalf("unexpected first window %v", free[0])
	}
	if !free[1].Start.Equal(day.Add(11*time.Hour)) || !free[1].End.Equal(day.Add(12*time.Hour)) {
		t.Fatalf("unexpected second window %v", free[1])
	}
}

func TestMerge_JoinsTouching(t *testing.T) {
	day := time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	merged := Merge([]domain.Window{
		{Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour)},
		{Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour)},
	})
	if len(merged) != 1 || !merged[0].Start.Equal(day.Add(9*time.Hour)) {
		t.Fatalf("expected one merged window, got %v", merged)
	}
}
