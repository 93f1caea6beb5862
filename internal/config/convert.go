package config

import (
	"github.com/danmuck/gatestream/internal/plugin"
	"github.com/danmuck/gatestream/internal/simulator"
)

func (c Config) LocalPlugins() []simulator.LocalPlugin {
	out := make([]simulator.LocalPlugin, 0, len(c.Plugins))
	for _, p := range c.Plugins {
		out = append(out, simulator.LocalPlugin{
			Name:       p.Name,
			Definition: p.Definition,
			ArbCmds:    p.ArbCmds,
			LogLevel:   p.LogLevel,
		})
	}
	return out
}

func (c Config) PluginOptions() plugin.Options {
	return plugin.Options{
		Config:     c.Session,
		ListenAddr: c.ListenAddr,
	}
}
