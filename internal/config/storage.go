package config

// StoreConfig configures the artifact store.
type StoreConfig struct {
	// DatabasePath is the SQLite database file
	DatabasePath string `yaml:"database_path"`
}

// PolicyConfig configures the Mangle policy gate.
type PolicyConfig struct {
	// Enabled turns policy evaluation on. When disabled every
	// operation is allowed.
	Enabled bool `yaml:"enabled"`

	// RulesDir holds .mg rule files
	RulesDir string `yaml:"rules_dir"`

	// HotReload watches RulesDir and reloads rules on change
	HotReload bool `yaml:"hot_reload"`
}

// ProbesConfig configures probe catalog extensions.
type ProbesConfig struct {
	// PacksDir holds YAML probe pack files loaded in addition to
	// the built-in catalog
	PacksDir string `yaml:"packs_dir"`
}

// ConvertersConfig configures converter plugins.
type ConvertersConfig struct {
	// PluginsDir holds Go source files interpreted at startup and
	// registered as additional converters
	PluginsDir string `yaml:"plugins_dir"`
}
