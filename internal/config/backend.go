package config

// ConfigBackend is where persisted config values live: UserDefaults on
// macOS, an XDG JSON file elsewhere. Environment overrides are applied on
// top by Load and never written back.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
