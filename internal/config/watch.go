package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	v    *viper.Viper
	path string
}

// Watch loads path and calls onChange with the reloaded, validated config
// after every write to it. Invalid configs are reported through onChange's
// error and never replace the last good one.
func Watch(path string, onChange func(*Config, error)) (*Config, *Watcher, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err == nil {
			err = next.Validate()
		}
		if err != nil {
			onChange(nil, fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		onChange(next, nil)
	})
	v.WatchConfig()

	return cfg, &Watcher{v: v, path: path}, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.path
}
