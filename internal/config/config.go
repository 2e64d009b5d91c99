// Package config loads executor/worker configuration via viper, in the
// teacher's cmd/worker + pkg/utils/config.go style: CLI flags bound into
// viper, decoded into a typed struct with mapstructure decode hooks for
// durations and the occasional string-typed env override.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ExecutorConfig configures the taskexecsvc runtime: the submitter-side
// pieces (debug HTTP, polling monitor) and the worker-side scratch/cache
// roots, since the in-process Cluster Compute Service default collapses
// both roles into one process (spec §6's wire format is opaque and out
// of scope, so there is no second, separately-deployed worker binary to
// split these across).
type ExecutorConfig struct {
	ClusterAddr  string        `mapstructure:"cluster_addr"`
	HTTPAddr     string        `mapstructure:"http_addr"`
	ScratchDir   string        `mapstructure:"scratch_dir"`
	CacheDir     string        `mapstructure:"cache_dir"`
	LogLevel     string        `mapstructure:"log_level"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func stringToBoolHook() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Bool {
			return data, nil
		}
		switch data.(string) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		default:
			return nil, fmt.Errorf("cannot convert %q to bool", data)
		}
	}
}

// Unmarshal decodes v's settings into cfg, applying the duration and
// bool decode hooks the teacher's UnmarshalConfig relies on.
func Unmarshal(v *viper.Viper, cfg any) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToBoolHook(),
	)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: hook,
		Result:     cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(v.AllSettings())
}
