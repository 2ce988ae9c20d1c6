package main

import (
	"context"
	"flag"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	appconf "chatrelay/global/config"
	"chatrelay/logger"
	"chatrelay/middleware"
	keys "chatrelay/module/keys"
	keyservice "chatrelay/module/keys/service"
	keystore "chatrelay/module/keys/store"
	"chatrelay/service/chat"
	"chatrelay/service/chat/handlers"
	"chatrelay/service/natsx"
	"chatrelay/service/storage"
	storageredis "chatrelay/service/storage/redis"
	"chatrelay/tools/ids"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	conf, err := appconf.Load(*cfgPath)
	if err != nil {
		logger.Errorf("[boot] load config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(nodeIDFor(conf.NodeID))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Presence Directory: Redis when reachable, process-local otherwise.
	var dir storage.Directory
	if err := storageredis.Init(storageredis.Config{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	}); err != nil {
		logger.Warnf("[boot] redis unavailable (%v), using in-memory presence", err)
		dir = storage.NewMemoryDirectory()
	} else {
		dir = storage.NewRedisDirectory(storageredis.Get(), conf.Session.PresenceTTL)
		defer func() { _ = storageredis.Close() }()
	}

	// Key Bundle Registry storage.
	var kstore keystore.Store
	pool, err := pgxpool.New(ctx, conf.Postgres.DSN)
	if err == nil {
		pg := keystore.NewPGStore(pool)
		if err = pg.EnsureSchema(ctx); err == nil {
			kstore = pg
			defer pool.Close()
		} else {
			pool.Close()
		}
	}
	if kstore == nil {
		logger.Warnf("[boot] postgres unavailable (%v), using in-memory key store", err)
		kstore = keystore.NewMemoryStore()
	}

	// Relay bus. A single node runs fine without one.
	var bus *natsx.Bus
	if b, err := natsx.NewBus(natsx.Config{
		Servers: []string{conf.Nats.URL},
		Name:    "chatrelay-" + conf.NodeID,
	}); err != nil {
		logger.Warnf("[boot] nats unavailable (%v), cross-gateway relay disabled", err)
	} else {
		bus = b
		defer bus.Close()
	}

	srv := chat.NewServer(chat.ServerConf{
		GatewayID:  conf.NodeID,
		JWTSecret:  secretBytes(conf.Auth.JWTSecret),
		UnauthTTL:  conf.Session.UnauthTTL,
		SweepEvery: conf.Session.SweepEvery,
	}, dir, busOrNil(bus))
	defer srv.Shutdown()
	handlers.RegisterAll(srv.Disp())

	if bus != nil {
		if err := bus.SubscribeGateway(conf.NodeID, srv.Relay().HandleRemote); err != nil {
			logger.Errorf("[boot] subscribe %s: %v", natsx.GatewaySubject(conf.NodeID), err)
			os.Exit(1)
		}
	}

	reg := keyservice.NewRegistry(kstore)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.CORS())
	r.GET("/chat", srv.HandleWS)
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })

	api := r.Group("/", middleware.Auth(secretBytes(conf.Auth.JWTSecret)))
	keys.NewHandler(reg).Register(api)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(conf.HTTPAddr) }()
	logger.Infof("[boot] gateway=%s listening on %s", conf.NodeID, conf.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("[boot] signal %s, shutting down", sig)
	case err := <-errCh:
		logger.Errorf("[boot] http server: %v", err)
	}
}

// nodeIDFor folds a gateway name into the snowflake node id space.
func nodeIDFor(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32() % 1024)
}

func secretBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// busOrNil avoids handing a typed nil to the Bus interface.
func busOrNil(b *natsx.Bus) chat.Bus {
	if b == nil {
		return nil
	}
	return b
}
