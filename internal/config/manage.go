package config

import (
	"fmt"
	"sort"
	"time"
)

// KeyInfo is one config key with its current value, for display.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every key of cfg in definition order.
func ShowAll(cfg Config) []KeyInfo {
	infos := make([]KeyInfo, len(specs))
	for i, s := range specs {
		infos[i] = KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))}
	}
	return infos
}

// SetKey validates value for key and persists it to the config file.
func SetKey(key, value string) error {
	return setKeyIn(newFileBackend(configFilePath()), key, value)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	return unsetKeyIn(newFileBackend(configFilePath()), key)
}

func setKeyIn(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return unknownKeyError(key)
	}
	v, err := s.parse(value)
	if err != nil {
		return err
	}

	switch v := v.(type) {
	case int:
		return b.SetInt(key, v)
	case time.Duration:
		// Stored as text so the file stays readable.
		return b.SetString(key, v.String())
	default:
		return b.SetString(key, value)
	}
}

func unsetKeyIn(b ConfigBackend, key string) error {
	if _, ok := lookupSpec(key); !ok {
		return unknownKeyError(key)
	}
	return b.Delete(key)
}

func unknownKeyError(key string) error {
	return fmt.Errorf("unknown config key %q (run \"finrag config show\" for the list)", key)
}

// ValidKeys returns the config key names, sorted.
func ValidKeys() []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.key
	}
	sort.Strings(keys)
	return keys
}
