package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"RankedLobby/internal/dispute"
	"RankedLobby/internal/matchmaker"
	"RankedLobby/internal/negotiator"
	"RankedLobby/internal/outcome"
	"RankedLobby/internal/rating"
	"RankedLobby/internal/settle"
)

// EnvPrefix 环境变量前缀，queue.batch_size 对应 RANKEDLOBBY_QUEUE_BATCH_SIZE
const EnvPrefix = "RANKEDLOBBY"

const DefaultPath = "config/config.yaml"

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin 模式：debug / release / test
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// RedisConfig Addr 为空时使用内存存储
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig DSN 为空时不归档
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type RegistryConfig struct {
	// 终局比赛在内存中保留多久
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	Log          LogConfig         `mapstructure:"log"`
	Redis        RedisConfig       `mapstructure:"redis"`
	Database     DatabaseConfig    `mapstructure:"database"`
	JWT          JWTConfig         `mapstructure:"jwt"`
	Registry     RegistryConfig    `mapstructure:"registry"`
	Queue        matchmaker.Config `mapstructure:"queue"`
	Negotiation  negotiator.Config `mapstructure:"negotiation"`
	Outcome      outcome.Config    `mapstructure:"outcome"`
	Dispute      dispute.Config    `mapstructure:"dispute"`
	Rating       rating.Config     `mapstructure:"rating"`
	Cancellation settle.Config     `mapstructure:"cancellation"`
}

var C Config

func Default() Config {
	return Config{
		Server:       ServerConfig{Port: ":8080", Mode: "release"},
		Log:          LogConfig{Level: "info"},
		Registry:     RegistryConfig{Retention: time.Hour, PruneInterval: 10 * time.Minute},
		Queue:        matchmaker.DefaultConfig(),
		Negotiation:  negotiator.DefaultConfig(),
		Outcome:      outcome.DefaultConfig(),
		Dispute:      dispute.DefaultConfig(),
		Rating:       rating.DefaultConfig(),
		Cancellation: settle.Config{},
	}
}

// SetDefaults 每个键都注册默认值，环境变量才能覆盖没写在文件里的键
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("jwt.secret", d.JWT.Secret)

	v.SetDefault("registry.retention", d.Registry.Retention)
	v.SetDefault("registry.prune_interval", d.Registry.PruneInterval)

	// 匹配队列
	q := d.Queue
	v.SetDefault("queue.interval", q.Interval)
	v.SetDefault("queue.batch_size", q.BatchSize)
	v.SetDefault("queue.max_batches", q.MaxBatches)
	v.SetDefault("queue.max_attempts", q.MaxAttempts)
	v.SetDefault("queue.persist_retries", q.PersistRetries)
	v.SetDefault("queue.persist_backoff", q.PersistBackoff)
	v.SetDefault("queue.weights.region", q.Weights.Region)
	v.SetDefault("queue.weights.rank", q.Weights.Rank)
	v.SetDefault("queue.weights.rating", q.Weights.Rating)
	v.SetDefault("queue.weights.wait", q.Weights.Wait)
	v.SetDefault("queue.threshold", q.Threshold)
	v.SetDefault("queue.regions", q.Regions)
	v.SetDefault("queue.region_floor", q.RegionFloor)
	v.SetDefault("queue.max_region_distance", q.MaxRegionDistance)
	v.SetDefault("queue.rank_span", q.RankSpan)
	v.SetDefault("queue.rating_span", q.RatingSpan)
	v.SetDefault("queue.wait_ceiling", q.WaitCeiling)

	// 赛前协商
	n := d.Negotiation
	v.SetDefault("negotiation.stages", n.Stages)
	v.SetDefault("negotiation.captains", n.Captains)
	v.SetDefault("negotiation.ban_timeout", n.BanTimeout)
	v.SetDefault("negotiation.pick_timeout", n.PickTimeout)
	v.SetDefault("negotiation.host_timeout", n.HostTimeout)
	v.SetDefault("negotiation.code_timeout", n.CodeTimeout)
	v.SetDefault("negotiation.code_pattern", n.CodePattern)
	v.SetDefault("negotiation.invalid_flag_limit", n.InvalidFlagLimit)
	v.SetDefault("negotiation.stall_limit", n.StallLimit)

	v.SetDefault("outcome.report_timeout", d.Outcome.ReportTimeout)
	v.SetDefault("outcome.max_score", d.Outcome.MaxScore)

	// 争议
	ds := d.Dispute
	v.SetDefault("dispute.timeout", ds.Timeout)
	v.SetDefault("dispute.reviewer_capacity", ds.ReviewerCapacity)
	v.SetDefault("dispute.reviewers", ds.Reviewers)
	v.SetDefault("dispute.weights.score_mismatch", ds.Weights.ScoreMismatch)
	v.SetDefault("dispute.weights.player_request", ds.Weights.PlayerRequest)
	v.SetDefault("dispute.repeat_step", ds.RepeatStep)
	v.SetDefault("dispute.repeat_cap", ds.RepeatCap)
	v.SetDefault("dispute.hypercharge_factor", ds.HyperchargeFactor)

	// 评分
	r := d.Rating
	v.SetDefault("rating.start_rating", r.StartRating)
	v.SetDefault("rating.base_gain", r.BaseGain)
	v.SetDefault("rating.base_loss", r.BaseLoss)
	v.SetDefault("rating.diff_divisor", r.DiffDivisor)
	v.SetDefault("rating.diff_cap", r.DiffCap)
	v.SetDefault("rating.margin_per_point", r.MarginPerPoint)
	v.SetDefault("rating.margin_cap", r.MarginCap)
	v.SetDefault("rating.streak_per_win", r.StreakPerWin)
	v.SetDefault("rating.streak_cap", r.StreakCap)
	v.SetDefault("rating.winner_min", r.WinnerMin)
	v.SetDefault("rating.winner_max", r.WinnerMax)
	v.SetDefault("rating.loser_min", r.LoserMin)
	v.SetDefault("rating.loser_max", r.LoserMax)
	v.SetDefault("rating.hypercharge_chance", r.HyperchargeChance)
	v.SetDefault("rating.hypercharge_multiplier", r.HyperchargeMultiplier)
	v.SetDefault("rating.forfeit_winner", r.ForfeitWinner)
	v.SetDefault("rating.forfeit_loser", r.ForfeitLoser)
	v.SetDefault("rating.tiers", r.Tiers)

	v.SetDefault("cancellation.compensation", d.Cancellation.Compensation)
	v.SetDefault("cancellation.requeue", d.Cancellation.Requeue)
}

// Load 读取 .env、配置文件和环境变量，结果写入 C。
// path 为空时用 DefaultPath；默认路径不存在时只用默认值和环境变量。
func Load(path string) error {
	// .env 可选
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	C = c
	return nil
}

func (c Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server: port is required")
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt: secret is required")
	}
	if c.Registry.Retention <= 0 || c.Registry.PruneInterval <= 0 {
		return errors.New("registry: retention and prune_interval must be positive")
	}
	if c.Cancellation.Compensation < 0 {
		return errors.New("cancellation: compensation must be >= 0")
	}
	for _, v := range []interface{ Validate() error }{c.Queue, c.Negotiation, c.Outcome, c.Dispute, c.Rating} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
