// Package stock derives display levels for inventory rows.
package stock

import (
	"math"
	"sort"

	"github.com/mmb-retail/fieldsync/internal/gateway"
)

// NoSalesDays is the days-of-supply reported for items that have not sold.
const NoSalesDays = 999

// Level is a days-of-supply band.
type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
	LevelSafe     Level = "safe"
)

// Thresholds for the bands, inclusive.
const (
	CriticalDays = 7
	WarningDays  = 14
)

// DaysOfSupply is how many days the current volume lasts at the daily average.
func DaysOfSupply(volumeML, dailyAverageML float64) int {
	if dailyAverageML <= 0 {
		return NoSalesDays
	}
	return int(math.Floor(volumeML / dailyAverageML))
}

// LevelFor maps days of supply to a band.
func LevelFor(days int) Level {
	switch {
	case days <= CriticalDays:
		return LevelCritical
	case days <= WarningDays:
		return LevelWarning
	default:
		return LevelSafe
	}
}

// Row is a stock item with its derived figures.
type Row struct {
	gateway.StockItem `yaml:",inline"`
	DaysOfSupply      int   `json:"daysOfSupply" yaml:"days_of_supply"`
	Level             Level `json:"level" yaml:"level"`
}

// Rows derives levels for items, most urgent first, ties broken by name.
func Rows(items []gateway.StockItem) []Row {
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		days := DaysOfSupply(float64(item.VolumeML), item.DailyAverageML)
		rows = append(rows, Row{StockItem: item, DaysOfSupply: days, Level: LevelFor(days)})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].DaysOfSupply != rows[j].DaysOfSupply {
			return rows[i].DaysOfSupply < rows[j].DaysOfSupply
		}
		return rows[i].Name < rows[j].Name
	})
	return rows
}
