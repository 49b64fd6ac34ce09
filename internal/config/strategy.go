package config

// StrategyConfig defines per-role model selections and fallbacks.
//
// Roles are the reflection phases: detector (gap analysis), critic
// (self-critique), refiner (answer rewriting).
type StrategyConfig struct {
	DefaultModel  string            `mapstructure:"default_model"`
	DetectorModel string            `mapstructure:"detector_model"`
	CriticModel   string            `mapstructure:"critic_model"`
	RefinerModel  string            `mapstructure:"refiner_model"`
	Overrides     map[string]string `mapstructure:"overrides"`     // arbitrary role->model id
	Fallbacks     []string          `mapstructure:"fallbacks"`     // ordered fallback model ids
	MaxExpensive  int               `mapstructure:"max_expensive"` // limit expensive model uses per session (0=unlimited)
}
