package scheduler

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"RankedLobby/internal/utils"
)

// Cron 固定间隔的后台任务：配对轮次、过期比赛清理
type Cron struct {
	s   gocron.Scheduler
	log *log.Logger
}

func NewCron(clock clockwork.Clock, logger *log.Logger) (*Cron, error) {
	opts := []gocron.SchedulerOption{}
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("new cron: %w", err)
	}
	return &Cron{s: s, log: utils.OrDiscard(logger)}, nil
}

// Every 注册任务。上一次没跑完时跳过本次，不会并发执行同一任务。
func (c *Cron) Every(name string, d time.Duration, fn func()) error {
	_, err := c.s.NewJob(
		gocron.DurationJob(d),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("cron job %s: %w", name, err)
	}
	c.log.Info("job registered", "job", name, "every", d)
	return nil
}

func (c *Cron) Start() { c.s.Start() }

func (c *Cron) Shutdown() error { return c.s.Shutdown() }
