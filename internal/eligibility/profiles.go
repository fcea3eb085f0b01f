package eligibility

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"signal-core/pkg/db"
)

// Profile holds the tunables for one risk level.
type Profile struct {
	// Target is the numeric risk score the level maps to; the fallback
	// picker selects the BUY signal closest to it.
	Target float64 `yaml:"target"`
}

// Profiles is the risk configuration loaded from YAML, with defaults
// matching the signal provider's scale.
type Profiles struct {
	Levels map[db.RiskLevel]Profile `yaml:"risk_levels"`
	// BuyFraction is the share of portfolio value a BUY commits.
	BuyFraction float64 `yaml:"buy_fraction"`
}

// DefaultProfiles returns the built-in risk targets: low=20, medium=50,
// high=80, 10% position sizing.
func DefaultProfiles() Profiles {
	return Profiles{
		Levels: map[db.RiskLevel]Profile{
			db.RiskLow:    {Target: 20},
			db.RiskMedium: {Target: 50},
			db.RiskHigh:   {Target: 80},
		},
		BuyFraction: 0.10,
	}
}

// LoadProfiles reads risk profiles from a YAML file, filling gaps with
// defaults. A missing file is not an error.
func LoadProfiles(path string) (Profiles, error) {
	p := DefaultProfiles()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read risk profiles: %w", err)
	}

	var loaded Profiles
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return p, fmt.Errorf("parse risk profiles: %w", err)
	}

	for level, prof := range loaded.Levels {
		if prof.Target > 0 {
			p.Levels[level] = prof
		}
	}
	if loaded.BuyFraction > 0 {
		p.BuyFraction = loaded.BuyFraction
	}
	return p, nil
}

// Target returns the numeric score target for a level.
func (p Profiles) Target(level db.RiskLevel) float64 {
	if prof, ok := p.Levels[level]; ok {
		return prof.Target
	}
	return p.Levels[db.RiskMedium].Target
}
