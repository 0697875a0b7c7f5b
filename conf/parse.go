// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package conf

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

// EnvPrefix is the prefix for environment variable overrides. A flag
// --challenge.retry-limit becomes OPTIMIST_CHALLENGE__RETRY_LIMIT, with
// double underscores separating nesting levels.
const EnvPrefix = "OPTIMIST_"

// BeginCommonParse parses command line arguments into a koanf instance,
// layering environment variables over flag values.
func BeginCommonParse(f *flag.FlagSet, args []string) (*koanf.Koanf, error) {
	if err := f.Parse(args); err != nil {
		return nil, err
	}
	if f.NArg() != 0 {
		return nil, errors.Errorf("unexpected positional arguments: %v", f.Args())
	}

	k := koanf.New(".")
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, errors.Wrap(err, "error loading command line arguments")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyToFlag), nil); err != nil {
		return nil, errors.Wrap(err, "error loading environment variables")
	}
	return k, nil
}

func envKeyToFlag(key string) string {
	trimmed := strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ReplaceAll(strings.ToLower(trimmed), "__", "."), "_", "-")
}

// EndCommonParse unmarshals the accumulated configuration into config,
// rejecting keys that match no koanf tag.
func EndCommonParse(k *koanf.Koanf, config interface{}) error {
	decoderConfig := mapstructure.DecoderConfig{
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		Result:           config,
		WeaklyTypedInput: true,
	}
	err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{
		DecoderConfig: &decoderConfig,
		Tag:           "koanf",
	})
	if err != nil {
		return errors.Wrap(err, "error processing configuration")
	}
	return nil
}
