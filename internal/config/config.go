package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads file into config, which must be a pointer to a struct. The values config already
// holds are the defaults. Every key, including the defaulted ones, can be overridden by an
// environment variable named after its upper-cased path with "." replaced by "_", e.g. HTTP_PORT.
func Load(file string, config any) error {
	v := viper.New()

	defaults := make(map[string]any)
	if err := flatten("", config, defaults); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetConfigFile(file)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config from file %s: %v", file, err)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

// flatten decodes nested structs into dotted keys.
// Depending on the decoder, a nested struct comes back as a struct or as a map.
func flatten(prefix string, in any, out map[string]any) error {
	m := make(map[string]any)
	if err := mapstructure.Decode(in, &m); err != nil {
		return err
	}

	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}

		if kind := reflect.Indirect(reflect.ValueOf(val)).Kind(); kind == reflect.Struct || kind == reflect.Map {
			if err := flatten(key, val, out); err != nil {
				return err
			}
			continue
		}
		out[key] = val
	}
	return nil
}
