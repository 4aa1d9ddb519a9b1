package envelope

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Status is the lifecycle state of an envelope.
type Status string

const (
	StatusInWarehouse  Status = "IN_WAREHOUSE"
	StatusIssued       Status = "ISSUED_TO_FLOOR"
	StatusInProduction Status = "IN_PRODUCTION"
	StatusOnReturnCart Status = "ON_RETURN_CART"
)

// StatusNew is the pseudo status recorded as the origin of a CREATE event.
const StatusNew = "NEW"

var allStatuses = []Status{StatusInWarehouse, StatusIssued, StatusInProduction, StatusOnReturnCart}

// Statuses returns every lifecycle status in flow order.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a string into a Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToUpper(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// HolderType classifies the current custodian.
type HolderType string

const (
	HolderWarehouse HolderType = "WAREHOUSE"
	HolderCartOut   HolderType = "CART_OUT"
	HolderCartIn    HolderType = "CART_IN"
	HolderFloor     HolderType = "FLOOR"
	HolderMachine   HolderType = "MACHINE"
)

// IsCart reports whether the holder is a transport cart.
func (h HolderType) IsCart() bool {
	return h == HolderCartOut || h == HolderCartIn
}

// Fixed holder ids used when no specific custodian is named.
const (
	FloorHolderID      = "SHOP_FLOOR"
	ReturnCartHolderID = "CART-RET"
)

// WarehouseHolderID names the warehouse shelf for section.
func WarehouseHolderID(section string) string {
	return "WAREHOUSE-" + section
}

// Operation tags the kind of change an event records.
type Operation string

const (
	OpCreate           Operation = "CREATE"
	OpIssue            Operation = "ISSUE"
	OpLoad             Operation = "LOAD"
	OpTransferAuto     Operation = "TRANSFER_AUTO"
	OpAlreadyOnMachine Operation = "ALREADY_ON_MACHINE"
	OpRelease          Operation = "RELEASE"
	OpReturn           Operation = "RETURN"
	OpMarkComplete     Operation = "MARK_COMPLETE"
	OpMarkIncomplete   Operation = "MARK_INCOMPLETE"
	OpDeleted          Operation = "DELETED"
)

// Envelope is one tracked physical unit.
type Envelope struct {
	Key        string     `json:"key"`
	ProductRef string     `json:"product_ref"`
	Status     Status     `json:"status"`
	HolderID   string     `json:"holder_id"`
	HolderType HolderType `json:"holder_type"`
	// WarehouseSection is empty unless Status is IN_WAREHOUSE.
	WarehouseSection string    `json:"warehouse_section,omitempty"`
	IsComplete       bool      `json:"is_complete"`
	LastOperator     string    `json:"last_operator,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Validate checks the single-holder invariants.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Key) == "" {
		return fmt.Errorf("envelope key is required")
	}
	if strings.TrimSpace(e.HolderID) == "" {
		return fmt.Errorf("envelope %s: holder is required", e.Key)
	}
	if _, ok := ParseStatus(string(e.Status)); !ok {
		return fmt.Errorf("envelope %s: unknown status %q", e.Key, e.Status)
	}
	if (e.Status == StatusInProduction) != (e.HolderType == HolderMachine) {
		return fmt.Errorf("envelope %s: status %s with holder type %s", e.Key, e.Status, e.HolderType)
	}
	if !HolderTypeAllowed(e.Status, e.HolderType) {
		return fmt.Errorf("envelope %s: holder type %s not allowed in %s", e.Key, e.HolderType, e.Status)
	}
	if (e.Status == StatusInWarehouse) != (e.WarehouseSection != "") {
		return fmt.Errorf("envelope %s: status %s with warehouse section %q", e.Key, e.Status, e.WarehouseSection)
	}
	return nil
}

// Snapshot is the conflict payload describing the envelope as it was when
// an operation was rejected.
func (e Envelope) Snapshot() map[string]any {
	return map[string]any{
		"current_status": string(e.Status),
		"holder":         e.HolderID,
		"holder_type":    string(e.HolderType),
	}
}

// NormalizeSection upper-cases a warehouse section and checks it is a single letter.
func NormalizeSection(section string) (string, error) {
	section = strings.TrimSpace(section)
	if utf8.RuneCountInString(section) != 1 {
		return "", fmt.Errorf("warehouse section must be a single letter, got %q", section)
	}
	r, _ := utf8.DecodeRuneInString(section)
	if !unicode.IsLetter(r) {
		return "", fmt.Errorf("warehouse section must be a single letter, got %q", section)
	}
	return strings.ToUpper(section), nil
}
