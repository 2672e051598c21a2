package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/config"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/db"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/events"
	clog "github.com/Arjunhubgit/Task-Manager-sub000/internal/log"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/presence"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/server"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/service"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/ws"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务与事件消费者。
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store presence.Store = presence.NewDBStore(gdb)
	if cfg.RedisAddr != "" {
		rs, err := presence.NewRedisStore(ctx, presence.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
		}
		defer rs.Close()
		store = rs
	}

	reg := ws.NewRegistry()
	disp := ws.NewDispatcher(reg)
	convs := service.NewConversationService(gdb, store)
	notes := service.NewNotificationService(gdb)
	h := server.NewHandler(
		convs,
		service.NewMessageService(gdb, convs, disp),
		notes,
		service.NewUserService(gdb, store),
	)
	limiter := server.NewLimiter(cfg)
	defer limiter.Close()

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: server.SetupRouter(cfg, server.Deps{
			DB:         gdb,
			Handler:    h,
			Registry:   reg,
			Dispatcher: disp,
			Limiter:    limiter,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if len(cfg.KafkaBrokers) > 0 {
		consumer := events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, notes)
		g.Go(func() error {
			log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("task event consumer started")
			return consumer.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}
