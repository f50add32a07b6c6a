package domain

import (
	"slices"

	"dario.cat/mergo"
)

// MergeConfig overlays the non-zero fields of override onto a copy of base.
// Zero values in override never clear a field of base. A non-empty slice
// in override replaces the one in base; the result shares no slices with
// either input.
func MergeConfig(base, override *Config) (*Config, error) {
	merged := *base
	if override != nil {
		src := *override
		// slog.Logger has unexported state; take it by reference only.
		logger := src.Logger
		src.Logger = nil

		if err := mergo.Merge(&merged, src, mergo.WithOverride); err != nil {
			return nil, NewConfigError("merge", err)
		}
		if logger != nil {
			merged.Logger = logger
		}
	}

	merged.Zeroconf.Interfaces = slices.Clone(merged.Zeroconf.Interfaces)
	if merged.Static.Records != nil {
		records := make([]ServiceRecord, len(merged.Static.Records))
		for i, r := range merged.Static.Records {
			records[i] = r.Clone()
		}
		merged.Static.Records = records
	}
	return &merged, nil
}
