package domain

import (
	"encoding/json"
	"fmt"
)

// BillingType selects how a tool's USD cost estimate is interpreted.
type BillingType int

const (
	BillingUnknown BillingType = iota
	// BillingExecution prices a single run of the tool.
	BillingExecution
	// BillingMonthly prices one month of a provisioned resource.
	BillingMonthly
	// BillingVolumePack prices a fixed-size bundle of sends.
	BillingVolumePack
)

// ParseBillingType maps the wire name to a BillingType.
func ParseBillingType(s string) (BillingType, error) {
	switch s {
	case "execution":
		return BillingExecution, nil
	case "monthly":
		return BillingMonthly, nil
	case "volume_pack":
		return BillingVolumePack, nil
	default:
		return BillingUnknown, fmt.Errorf("%w: unknown billing type %q", ErrValidation, s)
	}
}

func (b BillingType) String() string {
	switch b {
	case BillingExecution:
		return "execution"
	case BillingMonthly:
		return "monthly"
	case BillingVolumePack:
		return "volume_pack"
	default:
		return "unknown"
	}
}

// UnitDescription describes what one unit of CostUSD pays for.
func (b BillingType) UnitDescription() string {
	switch b {
	case BillingExecution:
		return "per execution"
	case BillingMonthly:
		return "per month"
	case BillingVolumePack:
		return "per pack"
	default:
		return ""
	}
}

// Valid reports whether b is one of the known variants.
func (b BillingType) Valid() bool {
	return b >= BillingExecution && b <= BillingVolumePack
}

// MarshalJSON encodes the wire name.
func (b BillingType) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON decodes the wire name.
func (b *BillingType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: billing type must be a string", ErrValidation)
	}
	parsed, err := ParseBillingType(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
