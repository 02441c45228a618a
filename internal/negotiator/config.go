package negotiator

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/gosimple/slug"

	"RankedLobby/internal/notifier"
)

type Config struct {
	Stages   []string `mapstructure:"stages"`
	Captains []string `mapstructure:"captains"`

	BanTimeout  time.Duration `mapstructure:"ban_timeout"`  // T1 每次禁图
	PickTimeout time.Duration `mapstructure:"pick_timeout"` // T2 每次选队长
	HostTimeout time.Duration `mapstructure:"host_timeout"` // T3 双方投票共用
	CodeTimeout time.Duration `mapstructure:"code_timeout"` // T4 整个房间码阶段

	CodePattern      string `mapstructure:"code_pattern"`
	InvalidFlagLimit int    `mapstructure:"invalid_flag_limit"`
	// StallLimit 连续自动处理的回合数达到该值时取消比赛，0 不启用
	StallLimit int `mapstructure:"stall_limit"`
}

func DefaultConfig() Config {
	return Config{
		Stages: []string{
			"Ahten City", "Night Market", "Oni Village", "Demon Dais", "Gravity Void",
			"Atlas Lab", "Taiko Temple", "Inky Splash Zone", "Clarion Corp", "Sky Harbor",
		},
		Captains: []string{
			"Juliette", "Kai", "Estelle", "Dubu", "Asher", "Era",
			"Rune", "Vyce", "Luna", "Finii", "Ai.Mi", "Octavia",
		},
		BanTimeout:       30 * time.Second,
		PickTimeout:      30 * time.Second,
		HostTimeout:      45 * time.Second,
		CodeTimeout:      5 * time.Minute,
		CodePattern:      `^[A-Za-z0-9]{4,8}$`,
		InvalidFlagLimit: 5,
	}
}

func (c Config) Validate() error {
	switch {
	case len(c.Stages) < 2:
		return errors.New("negotiation: need at least 2 stages")
	case len(c.Captains) < 2:
		return errors.New("negotiation: need at least 2 captains")
	case c.BanTimeout <= 0 || c.PickTimeout <= 0 || c.HostTimeout <= 0 || c.CodeTimeout <= 0:
		return errors.New("negotiation: timeouts must be positive")
	case c.InvalidFlagLimit < 1:
		return errors.New("negotiation: invalid_flag_limit must be >= 1")
	case c.StallLimit < 0:
		return errors.New("negotiation: stall_limit must be >= 0")
	}
	if _, err := regexp.Compile(c.CodePattern); err != nil {
		return fmt.Errorf("negotiation: code_pattern: %w", err)
	}
	if _, err := options(c.Stages); err != nil {
		return fmt.Errorf("negotiation: stages: %w", err)
	}
	if _, err := options(c.Captains); err != nil {
		return fmt.Errorf("negotiation: captains: %w", err)
	}
	return nil
}

// options 显示名转成选项，id 为 slug；slug 重复视为配置错误
func options(names []string) ([]notifier.Option, error) {
	seen := make(map[string]bool, len(names))
	out := make([]notifier.Option, 0, len(names))
	for _, name := range names {
		id := slug.Make(name)
		if id == "" {
			return nil, fmt.Errorf("%q has an empty id", name)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate id %q", id)
		}
		seen[id] = true
		out = append(out, notifier.Option{ID: id, Label: name})
	}
	return out, nil
}
