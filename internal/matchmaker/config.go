package matchmaker

import (
	"errors"
	"fmt"
	"time"
)

type Weights struct {
	Region float64 `mapstructure:"region"`
	Rank   float64 `mapstructure:"rank"`
	Rating float64 `mapstructure:"rating"`
	Wait   float64 `mapstructure:"wait"`
}

// RegionLink 两个地区之间的距离，对称
type RegionLink struct {
	A        string `mapstructure:"a"`
	B        string `mapstructure:"b"`
	Distance int    `mapstructure:"distance"`
}

type Config struct {
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxBatches     int           `mapstructure:"max_batches"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	PersistRetries int           `mapstructure:"persist_retries"`
	PersistBackoff time.Duration `mapstructure:"persist_backoff"`

	Weights   Weights `mapstructure:"weights"`
	Threshold float64 `mapstructure:"threshold"`

	Regions           []RegionLink  `mapstructure:"regions"`
	RegionFloor       float64       `mapstructure:"region_floor"`
	MaxRegionDistance int           `mapstructure:"max_region_distance"`
	RankSpan          float64       `mapstructure:"rank_span"`
	RatingSpan        float64       `mapstructure:"rating_span"`
	WaitCeiling       time.Duration `mapstructure:"wait_ceiling"`
}

func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Second,
		BatchSize:      50,
		MaxBatches:     4,
		MaxAttempts:    60,
		PersistRetries: 3,
		PersistBackoff: 100 * time.Millisecond,
		Weights:        Weights{Region: 0.3, Rank: 0.2, Rating: 0.3, Wait: 0.2},
		Threshold:      0.45,
		Regions: []RegionLink{
			{A: "na-east", B: "na-west", Distance: 1},
			{A: "na-east", B: "sa", Distance: 1},
			{A: "na-east", B: "eu", Distance: 2},
			{A: "na-west", B: "asia", Distance: 2},
			{A: "na-west", B: "sa", Distance: 2},
			{A: "eu", B: "asia", Distance: 2},
			{A: "na-west", B: "eu", Distance: 3},
			{A: "asia", B: "oce", Distance: 1},
		},
		RegionFloor:       0.3,
		MaxRegionDistance: 2,
		RankSpan:          3,
		RatingSpan:        400,
		WaitCeiling:       2 * time.Minute,
	}
}

func (c Config) Validate() error {
	w := c.Weights
	switch {
	case c.Interval <= 0:
		return errors.New("queue: interval must be positive")
	case c.BatchSize < 2:
		return errors.New("queue: batch_size must be >= 2")
	case c.MaxBatches < 1:
		return errors.New("queue: max_batches must be >= 1")
	case c.MaxAttempts < 1:
		return errors.New("queue: max_attempts must be >= 1")
	case c.PersistRetries < 0:
		return errors.New("queue: persist_retries must be >= 0")
	case w.Region < 0 || w.Rank < 0 || w.Rating < 0 || w.Wait < 0:
		return errors.New("queue: weights must be non-negative")
	case w.Region+w.Rank+w.Rating+w.Wait == 0:
		return errors.New("queue: at least one weight must be positive")
	case c.Threshold < 0:
		return errors.New("queue: threshold must be >= 0")
	case c.RegionFloor < 0 || c.RegionFloor > 1:
		return errors.New("queue: region_floor must be in [0,1]")
	case c.MaxRegionDistance < 0:
		return errors.New("queue: max_region_distance must be >= 0")
	case c.RankSpan <= 0 || c.RatingSpan <= 0 || c.WaitCeiling <= 0:
		return errors.New("queue: rank_span, rating_span and wait_ceiling must be positive")
	}
	for _, l := range c.Regions {
		if l.A == "" || l.B == "" || l.Distance < 0 {
			return fmt.Errorf("queue: bad region link %q-%q (%d)", l.A, l.B, l.Distance)
		}
	}
	return nil
}
