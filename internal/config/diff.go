package config

import (
	"reflect"
	"slices"
)

// ChangedSections lists the top-level sections that differ between two
// snapshots, in declaration order. Values are never included so secrets stay
// out of logs.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		!slices.Equal(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.Workers != newCfg.Telegram.Workers {
		out = append(out, "telegram")
	}
	pairs := []struct {
		name     string
		old, new any
	}{
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"source", oldCfg.Source, newCfg.Source},
		{"harvest", oldCfg.Harvest, newCfg.Harvest},
		{"backup", oldCfg.Backup, newCfg.Backup},
		{"ops", oldCfg.Ops, newCfg.Ops},
		{"supervisor", oldCfg.Supervisor, newCfg.Supervisor},
	}
	for _, p := range pairs {
		if !reflect.DeepEqual(p.old, p.new) {
			out = append(out, p.name)
		}
	}
	return out
}
