package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load загружает профиль риск-лимитов из YAML.
// Имя профиля берётся из POLICY_PROFILE, по умолчанию moderate.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var config struct {
		RiskProfiles map[string]Profile `yaml:"risk_profiles"`
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	profileName := os.Getenv("POLICY_PROFILE")
	if profileName == "" {
		profileName = "moderate"
	}

	profile, ok := config.RiskProfiles[profileName]
	if !ok {
		return nil, fmt.Errorf("policy profile %s not found", profileName)
	}

	profile.ProfileName = profileName
	applyDefaults(&profile)

	if err := validate(&profile); err != nil {
		return nil, fmt.Errorf("policy profile %s: %w", profileName, err)
	}

	return &profile, nil
}

// Default возвращает консервативный профиль по умолчанию (без YAML файла)
func Default() *Profile {
	p := &Profile{ProfileName: "default"}
	applyDefaults(p)
	return p
}

func applyDefaults(p *Profile) {
	if p.MinNotionalUSD <= 0 {
		p.MinNotionalUSD = 10.0
	}
	if p.MaxOrderNotionalUSD <= 0 {
		p.MaxOrderNotionalUSD = 100000.0
	}
	if p.HardPriceDeviationPct <= 0 {
		p.HardPriceDeviationPct = hardDeviationCeiling
	}
	if p.PriceBandATRMultiplier <= 0 {
		p.PriceBandATRMultiplier = 3.0
	}
	if p.LiquidationBufferPct <= 0 {
		p.LiquidationBufferPct = 1.5
	}
	if p.ChurnPriceTolerancePct <= 0 {
		p.ChurnPriceTolerancePct = 0.1
	}
	if p.ChurnTickTolerance <= 0 {
		p.ChurnTickTolerance = 3
	}
	if p.MaxLeverage <= 0 {
		p.MaxLeverage = 50
	}
}

func validate(p *Profile) error {
	// Профиль может только ужесточить потолок отклонения, не ослабить
	if p.HardPriceDeviationPct > hardDeviationCeiling {
		return fmt.Errorf("hard_price_deviation_pct %.1f exceeds ceiling %.1f",
			p.HardPriceDeviationPct, hardDeviationCeiling)
	}
	if p.MaxLeverage < 1 {
		return fmt.Errorf("max_leverage must be >= 1")
	}
	return nil
}
