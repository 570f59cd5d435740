package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collabCore/backend/config"
	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/collab"
	"collabCore/backend/internal/httpapi/middleware"
	"collabCore/backend/internal/lock"
	"collabCore/backend/internal/oplog"
	"collabCore/backend/internal/store"
	"collabCore/backend/internal/ws"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "collab-core").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("init config failed")
	}
	logger.Info().Int("port", cfg.Running.Port).Msg("config loaded")

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal().Err(err).Msg("connect redis failed")
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect mysql failed")
	}
	defer db.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("init gorm failed")
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect kafka failed")
	}
	defer producer.Close()

	// origin 区分事件来自哪个进程，消费时跳过自己发的
	origin := uuid.NewString()

	// 消费组按进程唯一：广播语义要求每个副本都收到全部事件，
	// 共享组 ID 会让分区只落到一个副本上
	consumerGroup, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.Group+"-"+origin, kafkaCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("create kafka consumer group failed")
	}
	defer consumerGroup.Close()

	locker := lock.NewRedisLocker(rdb,
		time.Duration(cfg.Collab.LockTTLSeconds)*time.Second,
		time.Duration(cfg.Collab.LockRetryMS)*time.Millisecond,
		logger)
	presenceCache := cache.NewRedisPresence(rdb)
	opLog := oplog.NewMySQLLog(db)
	snapshotStore := store.NewSnapshotStore(db)
	documentStore := store.NewDocumentStore(gormDB)
	content := collab.NewBufferedContent(snapshotStore, opLog, logger)

	kafkaSem := collab.NewSemaphoreControl(0)
	wsSem := collab.NewSemaphoreControl(0)

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		origin,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			//  Go 允许在数字里用下划线做分隔符，方便阅读
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
		logger,
	)

	svc := collab.NewEngine(opLog, locker, content, documentStore, kafkaDispatcher, collab.Config{
		LockWait:         time.Duration(cfg.Collab.LockWaitSeconds) * time.Second,
		SyncOpsThreshold: cfg.Collab.SyncOpsThreshold,
	}, logger)

	hub := ws.NewHub(presenceCache)
	manager := ws.NewManager(hub, svc, wsSem, ws.ManagerOptions{
		SubmitTimeout: time.Duration(cfg.Collab.SubmitTimeoutSeconds) * time.Second,
		PresenceTTL:   time.Duration(cfg.Collab.PresenceTTLSeconds) * time.Second,
	}, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 其他进程提交的操作经 Kafka 回流，广播给本进程的房间
	consumer := collab.NewKafkaConsumer(consumerGroup, cfg.Kafka.Topic, origin, hub.BroadcastRemoteOp, logger)
	go consumer.Run(rootCtx)

	sweeper := collab.NewSweeper(opLog, content, presenceCache, hub,
		time.Duration(cfg.Collab.SweepIntervalSeconds)*time.Second, logger)
	go sweeper.Run(rootCtx)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 路由
	collabGroup := r.Group("/collab")
	// 关键：挂鉴权中间件（会从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，并写入 userId/username）
	collabGroup.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen failed")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
