package stock

import (
	"testing"

	"github.com/mmb-retail/fieldsync/internal/gateway"
)

func TestDaysOfSupply(t *testing.T) {
	tests := []struct {
		name   string
		volume float64
		avg    float64
		want   int
	}{
		{"exact", 700, 100, 7},
		{"floors", 750, 100, 7},
		{"no sales", 500, 0, NoSalesDays},
		{"negative average", 500, -3, NoSalesDays},
		{"empty", 0, 25, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DaysOfSupply(tt.volume, tt.avg); got != tt.want {
				t.Errorf("DaysOfSupply(%v, %v) = %d, want %d", tt.volume, tt.avg, got, tt.want)
			}
		})
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		days int
		want Level
	}{
		{0, LevelCritical},
		{7, LevelCritical},
		{8, LevelWarning},
		{14, LevelWarning},
		{15, LevelSafe},
		{NoSalesDays, LevelSafe},
	}

	for _, tt := range tests {
		if got := LevelFor(tt.days); got != tt.want {
			t.Errorf("LevelFor(%d) = %s, want %s", tt.days, got, tt.want)
		}
	}
}

func TestRowsOrdering(t *testing.T) {
	rows := Rows([]gateway.StockItem{
		{ID: "a", Name: "Amber", VolumeML: 1000, DailyAverageML: 10},
		{ID: "b", Name: "Bakhoor", VolumeML: 50, DailyAverageML: 10},
		{ID: "c", Name: "Cedar", VolumeML: 100, DailyAverageML: 10},
		{ID: "d", Name: "Dahn", VolumeML: 300},
	})

	want := []string{"b", "c", "a", "d"}
	for i, id := range want {
		if rows[i].ID != id {
			t.Fatalf("row %d = %s, want %s", i, rows[i].ID, id)
		}
	}

	if rows[0].Level != LevelCritical || rows[1].Level != LevelWarning || rows[3].Level != LevelSafe {
		t.Errorf("unexpected levels: %+v", rows)
	}
}
