package econ

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed catalog.toml
var defaultCatalog []byte

type ItemSpec struct {
	Key         string       `toml:"key"`
	DisplayName string       `toml:"display_name"`
	Category    ItemCategory `toml:"category"`
	BasePrice   float64      `toml:"base_price"`
	Volatility  float64      `toml:"volatility"`
}

type EnterpriseType struct {
	Key             string  `toml:"key"`
	DisplayName     string  `toml:"display_name"`
	OutputItem      string  `toml:"output_item"`
	BaseCost        float64 `toml:"base_cost"`
	BaseMaintenance float64 `toml:"base_maintenance"`
	BaseProduction  int64   `toml:"base_production"`
	BaseEmployees   int32   `toml:"base_employees"`
	MaxLevel        int32   `toml:"max_level"`
	UnitValue       float64 `toml:"unit_value"`
}

func (t EnterpriseType) BaseCostMicros() int64 {
	return CoinsToMicros(t.BaseCost)
}

func (t EnterpriseType) BaseMaintenanceMicros() int64 {
	return CoinsToMicros(t.BaseMaintenance)
}

func (t EnterpriseType) UnitValueMicros() int64 {
	return CoinsToMicros(t.UnitValue)
}

// EmployeeCap is the number of employees allowed at level.
func (t EnterpriseType) EmployeeCap(level int32) int32 {
	if level < 1 {
		level = 1
	}
	return t.BaseEmployees * level
}

type Role struct {
	Key              string  `toml:"key"`
	DisplayName      string  `toml:"display_name"`
	SalaryMultiplier float64 `toml:"salary_multiplier"`
}

// Catalog holds the fixed item, enterprise-type and role tables.
type Catalog struct {
	Items           []ItemSpec       `toml:"items"`
	EnterpriseTypes []EnterpriseType `toml:"enterprise_types"`
	Roles           []Role           `toml:"roles"`
}

// DefaultCatalog decodes the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file, falling back to the embedded one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultCatalog()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	items := make(map[string]bool, len(c.Items))
	for _, it := range c.Items {
		if it.Key == "" {
			return fmt.Errorf("catalog item without key")
		}
		if items[it.Key] {
			return fmt.Errorf("duplicate catalog item %q", it.Key)
		}
		if it.BasePrice <= 0 {
			return fmt.Errorf("item %q: base_price must be > 0", it.Key)
		}
		if it.Volatility < 0 || it.Volatility > 1 {
			return fmt.Errorf("item %q: volatility must be within [0,1]", it.Key)
		}
		switch it.Category {
		case CategoryRaw, CategoryFood, CategoryMaterial, CategoryTool, CategoryLuxury:
		default:
			return fmt.Errorf("item %q: unknown category %q", it.Key, it.Category)
		}
		items[it.Key] = true
	}
	seen := map[string]bool{}
	for _, t := range c.EnterpriseTypes {
		if t.Key == "" || seen[t.Key] {
			return fmt.Errorf("enterprise type %q missing or duplicated", t.Key)
		}
		if t.MaxLevel < 1 || t.BaseEmployees < 1 {
			return fmt.Errorf("enterprise type %q: max_level and base_employees must be >= 1", t.Key)
		}
		if t.BaseCost < 0 || t.BaseMaintenance < 0 || t.BaseProduction < 0 || t.UnitValue < 0 {
			return fmt.Errorf("enterprise type %q: negative constants", t.Key)
		}
		seen[t.Key] = true
	}
	roles := map[string]bool{}
	for _, r := range c.Roles {
		if r.Key == "" || roles[r.Key] {
			return fmt.Errorf("role %q missing or duplicated", r.Key)
		}
		if r.SalaryMultiplier <= 0 {
			return fmt.Errorf("role %q: salary_multiplier must be > 0", r.Key)
		}
		roles[r.Key] = true
	}
	return nil
}

func (c *Catalog) EnterpriseType(key string) (EnterpriseType, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, t := range c.EnterpriseTypes {
		if t.Key == key {
			return t, nil
		}
	}
	return EnterpriseType{}, NewError(CodeUnknownType, fmt.Sprintf("unknown enterprise type: %s", key))
}

func (c *Catalog) Role(key string) (Role, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		key = "worker"
	}
	for _, r := range c.Roles {
		if r.Key == key {
			return r, nil
		}
	}
	return Role{}, NewError(CodeUnknownType, fmt.Sprintf("unknown role: %s", key))
}

// Item converts an item spec into a fresh market row priced at its base price.
func (s ItemSpec) Item() MarketItem {
	price := CoinsToMicros(s.BasePrice)
	return MarketItem{
		Key:                s.Key,
		Category:           s.Category,
		DisplayName:        s.DisplayName,
		BasePriceMicros:    price,
		CurrentPriceMicros: price,
		Volatility:         s.Volatility,
	}
}
