package schema

import (
	"fmt"
	"time"
)

// Kind identifies which record type an envelope carries.
type Kind string

const (
	KindAttendance Kind = "attendance"
	KindSale       Kind = "sale"
)

// Kinds lists every record kind in sync order.
var Kinds = []Kind{KindAttendance, KindSale}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAttendance, KindSale:
		return true
	}
	return false
}

// ParseKind converts user input to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q (want attendance or sale)", s)
	}
	return k, nil
}

// BottleType is the packaging a sale was made in.
type BottleType string

const (
	BottleRefill30 BottleType = "Refill 30ml"
	BottleRefill50 BottleType = "Refill 50ml"
	BottleNew      BottleType = "New Bottle"
)

// BottleTypes lists the accepted bottle types, used for prompts.
var BottleTypes = []BottleType{BottleRefill30, BottleRefill50, BottleNew}

// Valid reports whether b is one of the accepted bottle types.
func (b BottleType) Valid() bool {
	switch b {
	case BottleRefill30, BottleRefill50, BottleNew:
		return true
	}
	return false
}

// AttendanceEvent records an employee checking in or out of a store.
type AttendanceEvent struct {
	ClientEventID string     `json:"clientEventId,omitempty"`
	EmployeeID    string     `json:"employeeId"`
	StoreID       string     `json:"storeId"`
	CheckInTime   *time.Time `json:"checkInTime,omitempty"`
	CheckOutTime  *time.Time `json:"checkOutTime,omitempty"`
}

// Validate checks that the event can be persisted.
func (a *AttendanceEvent) Validate() error {
	if a.EmployeeID == "" {
		return fmt.Errorf("employeeId is required")
	}
	if a.StoreID == "" {
		return fmt.Errorf("storeId is required")
	}
	if a.CheckInTime == nil && a.CheckOutTime == nil {
		return fmt.Errorf("checkInTime or checkOutTime is required")
	}
	return nil
}

// SaleEvent records a quantity sold out of a stock item.
type SaleEvent struct {
	ClientEventID  string     `json:"clientEventId,omitempty"`
	EmployeeID     string     `json:"employeeId"`
	StoreID        string     `json:"storeId"`
	StockItemID    string     `json:"stockItemId"`
	QuantitySoldML int        `json:"quantitySoldMl"`
	UnitPrice      float64    `json:"unitPrice"`
	BottleType     BottleType `json:"bottleType"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Validate checks that the event can be persisted.
func (s *SaleEvent) Validate() error {
	if s.EmployeeID == "" {
		return fmt.Errorf("employeeId is required")
	}
	if s.StoreID == "" {
		return fmt.Errorf("storeId is required")
	}
	if s.StockItemID == "" {
		return fmt.Errorf("stockItemId is required")
	}
	if s.QuantitySoldML <= 0 {
		return fmt.Errorf("quantitySoldMl must be positive (got %d)", s.QuantitySoldML)
	}
	if s.UnitPrice <= 0 {
		return fmt.Errorf("unitPrice must be positive (got %v)", s.UnitPrice)
	}
	if !s.BottleType.Valid() {
		return fmt.Errorf("unknown bottleType %q", s.BottleType)
	}
	return nil
}

// TotalPrice is quantity times unit price.
func (s *SaleEvent) TotalPrice() float64 {
	return float64(s.QuantitySoldML) * s.UnitPrice
}

// SaleDate is the calendar date of the sale in its own time zone.
func (s *SaleEvent) SaleDate() string {
	return s.Timestamp.Format("2006-01-02")
}
