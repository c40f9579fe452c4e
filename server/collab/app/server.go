package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"collab_server/server/collab/api"
	"collab_server/server/collab/service"
	"collab_server/server/collab/store"
	"collab_server/server/common/infra/cache"
	"collab_server/server/common/infra/mq"
)

const registrySweepEvery = 60 * time.Second

type Server struct {
	HTTPServer *http.Server
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Registry   *service.Registry
	Publisher  *service.AMQPPublisher
	Docman     *service.DocmanClient

	sweepStop chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient := cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	sharedStore := store.New(redisClient)

	var (
		mqConn    *amqp.Connection
		publisher *service.AMQPPublisher
		sink      service.EventSink
		err       error
	)
	if cfg.UseMQ {
		mqConn, err = mq.NewConnection(cfg.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp: %w", err)
		}
		publisher, err = service.NewAMQPPublisher(mqConn)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		sink = publisher
	}

	docman := service.NewDocmanClient(cfg.DocmanEndpoints...)
	bus := service.NewBus()
	events := service.NewEventPublisher(bus, sink)
	registry := service.NewRegistry()

	sessionSvc := service.NewSessionService(sharedStore, events, docman, docman)
	lockSvc := service.NewLockService(sharedStore, events, docman, docman)
	commentSvc := service.NewCommentService(sharedStore, events, docman, docman)
	realtimeSvc := service.NewRealtimeService(registry, sessionSvc, lockSvc, commentSvc, bus, cfg.WorkerSlots)

	h := api.NewHandler(realtimeSvc, sessionSvc, lockSvc, commentSvc, cfg.JWTSecret, cfg.JWTTTLMinutes)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	server := &Server{
		HTTPServer: httpServer,
		Redis:      redisClient,
		MQConn:     mqConn,
		Registry:   registry,
		Publisher:  publisher,
		Docman:     docman,
		sweepStop:  make(chan struct{}),
	}
	go server.sweepLoop()
	return server, nil
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(registrySweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.Registry.Sweep()
		}
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	close(s.sweepStop)
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Docman != nil {
		s.Docman.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
