package capability

import (
	"fmt"
	"sort"
	"sync"

	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/host"
)

// Host type names of the guild capabilities.
const (
	GuildType         = "Guild"
	GuildSettingsType = "GuildSettings"
)

const maxSettings = 100

// Guild is the state scripts of one guild operate on.
type Guild struct {
	ID       string
	Name     string
	Queue    *AudioQueue
	Files    *FileStore
	Settings *Settings
}

// Settings holds string settings of a guild.
type Settings struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewSettings creates settings with the default command prefix.
func NewSettings() *Settings {
	return &Settings{values: map[string]string{"prefix": "!"}}
}

// Get returns one setting.
func (s *Settings) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func guildOf(self *host.Object) *Guild { return self.State().(*Guild) }

// guildType returns the Guild host type; queue and settings declare their
// result types so that chained calls resolve at compile time.
func guildType(types *types) *host.Type {
	return host.NewType(GuildType, nil,
		host.Method{Name: "id", Fn: func(_ *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("id", args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.String(guildOf(self).ID), nil
		}},
		host.Method{Name: "name", Fn: func(_ *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("name", args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.String(guildOf(self).Name), nil
		}},
		host.Method{Name: "queue", Result: AudioQueueType, Fn: func(_ *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("queue", args, kwargs, 0); err != nil {
				return nil, err
			}
			return host.NewObject(types.queue, guildOf(self).Queue), nil
		}},
		host.Method{Name: "settings", Result: GuildSettingsType, Fn: func(_ *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("settings", args, kwargs, 0); err != nil {
				return nil, err
			}
			return host.NewObject(types.settings, guildOf(self).Settings), nil
		}},
	)
}

func settingsOf(self *host.Object) *Settings { return self.State().(*Settings) }

func guildSettingsType() *host.Type {
	return host.NewType(GuildSettingsType, nil,
		host.Method{Name: "get", Fn: settingsGet},
		host.Method{Name: "set", Fn: settingsSet},
		host.Method{Name: "keys", Fn: settingsKeys},
	)
}

func settingsGet(_ *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		key  string
		dflt starlark.Value = starlark.None
	)
	if err := starlark.UnpackPositionalArgs("get", args, kwargs, 1, &key, &dflt); err != nil {
		return nil, err
	}
	if v, ok := settingsOf(self).Get(key); ok {
		return starlark.String(v), nil
	}
	return dflt, nil
}

func settingsSet(thread *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := checkContext(thread); err != nil {
		return nil, err
	}
	var key, value string
	if err := starlark.UnpackPositionalArgs("set", args, kwargs, 2, &key, &value); err != nil {
		return nil, err
	}
	s := settingsOf(self)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok && len(s.values) >= maxSettings {
		return nil, fmt.Errorf("set: too many settings (max %d)", maxSettings)
	}
	s.values[key] = value
	return starlark.None, nil
}

func settingsKeys(_ *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs("keys", args, kwargs, 0); err != nil {
		return nil, err
	}
	s := settingsOf(self)
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	values := make([]starlark.Value, len(keys))
	for i, k := range keys {
		values[i] = starlark.String(k)
	}
	return starlark.NewList(values), nil
}
