package config

import (
	"os"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

const (
	tagName          = "configKey"
	DefaultEnvPrefix = "MARKETPLACE"
)

// Load returns the configuration built from defaults, the optional YAML file and environment variables.
// Environment variable name is the prefix followed by the upper-cased key path,
// for example "MARKETPLACE_REALTIME_MAXATTEMPTS" for the "realtime.maxAttempts" key.
// A ".env" file in the working directory is loaded first, it never overwrites existing variables.
func Load(path string, envPrefix string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, errors.Wrap(err, `cannot load ".env" file`)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Register all keys with their defaults, so they can be overridden from ENV
	cfg := New()
	setDefaults(v, "", reflect.ValueOf(cfg))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, `cannot read config file "%s"`, path)
		}
	}

	err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.TagName = tagName
		c.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "cannot decode config")
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, prefix string, value reflect.Value) {
	t := value.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		key := strings.SplitN(field.Tag.Get(tagName), ",", 2)[0]
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct {
			setDefaults(v, key, value.Field(i))
			continue
		}
		v.SetDefault(key, value.Field(i).Interface())
	}
}
