package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"RankedLobby/config"
	"RankedLobby/internal/archive"
	"RankedLobby/internal/dealer"
	"RankedLobby/internal/dispute"
	"RankedLobby/internal/manager"
	"RankedLobby/internal/match"
	"RankedLobby/internal/matchmaker"
	"RankedLobby/internal/middleware"
	"RankedLobby/internal/negotiator"
	"RankedLobby/internal/notifier"
	"RankedLobby/internal/outcome"
	"RankedLobby/internal/rating"
	"RankedLobby/internal/scheduler"
	"RankedLobby/internal/settle"
	"RankedLobby/internal/storage"
	"RankedLobby/internal/store"
	"RankedLobby/internal/utils"
	"RankedLobby/internal/websocket"
)

type server struct {
	router  *gin.Engine
	hub     *websocket.Hub
	cron    *scheduler.Cron
	reg     *match.Registry
	queue   *matchmaker.Service
	closers []func() error
}

// newServer 按配置组装全部组件；redis.addr 为空时用内存存储，database.dsn 为空时不归档
func newServer(ctx context.Context, cfg config.Config) (*server, error) {
	s := &server{}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	//-------------------------------------------------------
	// 1. 存储
	//-------------------------------------------------------
	var (
		st   store.Store
		repo matchmaker.Repo
		arch archive.Archive = archive.Noop{}
	)
	if cfg.Redis.Addr != "" {
		rdb, err := storage.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, rdb.Close)
		st = store.NewRedisStore(rdb, cfg.Rating.StartRating)
		repo = matchmaker.NewRedisRepo(rdb)
	} else {
		utils.Print.Warn("redis.addr is empty, state is kept in memory")
		st = store.NewMemoryStore(cfg.Rating.StartRating)
		repo = matchmaker.NewMemoryRepo()
	}
	if cfg.Database.DSN != "" {
		db, err := storage.NewPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		pg := archive.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		arch = pg
	}

	//-------------------------------------------------------
	// 2. Hub（推送通道）与各业务组件
	//-------------------------------------------------------
	clock := clockwork.NewRealClock()
	s.reg = match.NewRegistry(scheduler.New(clock), st, utils.Component("registry"))
	engine := rating.NewEngine(cfg.Rating)
	d := dealer.NewDealer(time.Now().UnixNano())

	s.hub = websocket.NewHub(utils.Component("hub"))
	n := notifier.NewHubNotifier(s.hub)

	settler := settle.New(engine, st, arch, n, cfg.Cancellation, utils.Component("settle"))
	disputes := dispute.New(s.reg, settler, st, n, cfg.Dispute, utils.Component("dispute"))
	resolver := outcome.New(s.reg, settler, disputes, n, cfg.Outcome, utils.Component("outcome"))
	neg, err := negotiator.New(s.reg, settler, d, n, cfg.Negotiation, utils.Component("negotiator"))
	if err != nil {
		return nil, err
	}
	neg.OnReady = resolver.RequestReport

	s.queue = matchmaker.NewService(repo, st, s.reg, engine, d, n, cfg.Queue, utils.Component("queue"))
	settler.SetRequeuer(s.queue)

	mgr := manager.NewGameManager(s.reg, neg, resolver, s.hub, utils.Component("manager"))
	s.queue.OnPaired = mgr.StartMatch
	s.hub.OnIncoming = mgr.HandlePlayerMessage
	go s.hub.Run()

	// 重启前未结束的比赛放回注册表，恢复各自的计时
	recovered, err := manager.Recover(ctx, st, s.reg, map[match.Status]manager.Resumer{
		match.StatusPregame:    neg,
		match.StatusInProgress: resolver,
		match.StatusDisputed:   disputes,
	}, utils.Component("recover"))
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		utils.Print.Info("recovered matches", "count", recovered)
	}

	//-------------------------------------------------------
	// 3. 定时任务：配对轮次、清理终局比赛
	//-------------------------------------------------------
	if s.cron, err = scheduler.NewCron(clock, utils.Component("cron")); err != nil {
		return nil, err
	}
	cycleCtx := context.WithoutCancel(ctx)
	if err := s.cron.Every("pairing-cycle", cfg.Queue.Interval, func() {
		if _, err := s.queue.Cycle(cycleCtx); err != nil {
			utils.Print.Error("pairing cycle", "err", err)
		}
	}); err != nil {
		return nil, err
	}
	if err := s.cron.Every("registry-prune", cfg.Registry.PruneInterval, func() {
		if n := s.reg.Prune(s.reg.Now().Add(-cfg.Registry.Retention)); n > 0 {
			utils.Print.Info("pruned matches", "count", n, "active", len(s.reg.Active()))
		}
	}); err != nil {
		return nil, err
	}
	s.cron.Start()

	//-------------------------------------------------------
	// 4. 路由
	//-------------------------------------------------------
	gin.SetMode(cfg.Server.Mode)
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := r.Group("/", middleware.JwtAuthMiddleware([]byte(cfg.JWT.Secret)))
	{
		auth.GET("/ws", websocket.ServeWS(s.hub))

		qh := matchmaker.NewHandler(s.queue)
		auth.POST("/queue/join", qh.Join)
		auth.POST("/queue/leave", qh.Leave)
		auth.GET("/queue/status", qh.Status)

		oh := outcome.NewHandler(resolver, s.reg)
		auth.GET("/matches/:id", oh.Get)
		auth.POST("/matches/:id/score", oh.Score)
		auth.POST("/matches/:id/dispute", oh.Dispute)

		dh := dispute.NewHandler(disputes)
		auth.POST("/reviewers/online", dh.Online)
		auth.POST("/reviewers/offline", dh.Offline)
		auth.GET("/disputes", dh.Queue)
		auth.POST("/disputes/:id/resolve", dh.Resolve)
	}
	s.router = r

	ok = true
	return s, nil
}

func (s *server) close() {
	if s.cron != nil {
		if err := s.cron.Shutdown(); err != nil {
			utils.Print.Warn("cron shutdown", "err", err)
		}
	}
	if s.hub != nil {
		s.hub.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			utils.Print.Warn("close", "err", fmt.Errorf("resource %d: %w", i, err))
		}
	}
}
