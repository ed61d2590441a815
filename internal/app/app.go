// Package app 提供 clearhub-settlement 服务的应用生命周期管理
//
// ## 服务职责
// clearhub-settlement 是支付结算引擎，负责:
// 1. 支付匹配 (Matcher): 将链上入金与通道支付匹配到开放订单
// 2. 订单生命周期 (Order): created → paid → confirmed / expired
// 3. 确认追踪 (Confirmation): 跟踪链头推进与重组，驱动支付/转账终局
// 4. 余额账本 (Ledger): 只追加账目，余额由账目求和得出
// 5. 转账 (Transfer): 内部划转即时结清，外部转账经热钱包上链
//
// ## Kafka 对接 (参见 internal/kafka/consumer.go 和 producer.go)
//
// ### 消费的 Topic (来自链观察节点与通道网关)
// - block-events: 新链头区块
// - deposit-events: 链上入金
// - channel-payment-events: 链下通道支付
//
// ### 生产的 Topic
// - order-paid: 订单累计支付覆盖金额
// - order-confirmed: 订单确认并入账
// - transfer-events: 转账生命周期变更
//
// ## gRPC
// - 健康检查端口: 50061
//
// ## 数据库
// - 数据库名: clearhub_settlement
// - 启动时自动迁移
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clearhub-pay/clearhub-settlement/internal/blockchain"
	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/config"
	"github.com/clearhub-pay/clearhub-settlement/internal/contract"
	"github.com/clearhub-pay/clearhub-settlement/internal/kafka"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/clearhub-pay/clearhub-settlement/internal/repository"
	"github.com/clearhub-pay/clearhub-settlement/internal/service"
	"github.com/clearhub-pay/clearhub-settlement/internal/worker"
	"github.com/clearhub-pay/clearhub-settlement/pkg/lock"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db     *gorm.DB
	redis  *redis.Client
	locker *lock.RedisLocker

	// 区块链
	chainClient   *blockchain.Client
	nonceManager  *blockchain.NonceManager
	tokenRegistry *contract.TokenRegistry
	gasEstimator  *contract.GasEstimator
	hotWallet     *blockchain.HotWallet
	provisioner   *blockchain.RedisKeyProvisioner

	// 事件总线
	eventBus *bus.Bus

	// 仓储
	chainRepo    repository.ChainRepository
	orderRepo    repository.OrderRepository
	paymentRepo  repository.PaymentRepository
	routeRepo    repository.RouteRepository
	ledgerRepo   repository.LedgerRepository
	transferRepo repository.TransferRepository

	// 服务
	routeSvc        *service.RouteService
	ledgerSvc       *service.LedgerService
	matcherSvc      *service.MatcherService
	orderSvc        *service.OrderService
	transferSvc     *service.TransferService
	confirmationSvc *service.ConfirmationService

	// Kafka
	kafkaConsumer  *kafka.Consumer
	kafkaProducer  *kafka.Producer
	kafkaPublisher *kafka.Publisher

	// 后台任务
	executorPool *worker.ExecutorPool
	expiryWorker *worker.ExpiryWorker

	// gRPC / HTTP
	grpcServer   *grpc.Server
	healthServer *health.Server
	metricsSrv   *http.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()
	app.initServices()

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initWorkers()
	app.initGRPC()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	// 自动迁移
	if err := autoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis
	redisAddr := "localhost:6379"
	if len(a.cfg.Redis.Addresses) > 0 {
		redisAddr = a.cfg.Redis.Addresses[0]
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	a.locker = lock.NewRedisLocker(a.redis, "settlement:lock:", 30*time.Second)

	logger.Info("redis connected", zap.String("addr", redisAddr))
	return nil
}

// autoMigrate 迁移全部表结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Chain{},
		&model.Block{},
		&model.Transaction{},
		&model.PaymentOrder{},
		&model.PaymentOrderEvent{},
		&model.PaymentRoute{},
		&model.Wallet{},
		&model.ChannelNetwork{},
		&model.Payment{},
		&model.UserAccount{},
		&model.BalanceEntry{},
		&model.ReorgCompensation{},
		&model.Transfer{},
		&model.TransferEvent{},
		&model.Reserve{},
	)
}

// initBlockchain 初始化区块链客户端与热钱包
func (a *App) initBlockchain() error {
	rpcURLs := append([]string{a.cfg.Blockchain.RPCURL}, a.cfg.Blockchain.BackupRPCURLs...)

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:         a.cfg.Blockchain.ChainID,
		PrivateKey:      a.cfg.Blockchain.PrivateKey,
		RPCURLs:         rpcURLs,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chainClient = client

	a.nonceManager = blockchain.NewNonceManager(client, a.redis, a.locker, &blockchain.NonceManagerConfig{
		Wallet:  client.Address(),
		ChainID: a.cfg.Blockchain.ChainID,
	})

	tokens := make(map[string]*contract.TokenInfo, len(a.cfg.Blockchain.Tokens))
	for _, t := range a.cfg.Blockchain.Tokens {
		tokens[t.Address] = &contract.TokenInfo{
			Symbol:   t.Symbol,
			Decimals: uint8(t.Decimals),
		}
	}
	registry, err := contract.NewTokenRegistry(&contract.TokenRegistryConfig{
		ChainID: a.cfg.Blockchain.ChainID,
		Tokens:  tokens,
	}, client)
	if err != nil {
		return fmt.Errorf("failed to create token registry: %w", err)
	}
	a.tokenRegistry = registry

	a.gasEstimator = contract.NewGasEstimator(nil, client)

	a.hotWallet = blockchain.NewHotWallet(
		client,
		a.nonceManager,
		a.tokenRegistry,
		a.gasEstimator,
		time.Duration(a.cfg.Settlement.SendTimeout)*time.Second,
	)
	a.provisioner = blockchain.NewRedisKeyProvisioner(a.redis, "")

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", a.cfg.Blockchain.ChainID),
		zap.String("hot_wallet", client.Address().Hex()))
	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.chainRepo = repository.NewChainRepository(a.db)
	a.orderRepo = repository.NewOrderRepository(a.db)
	a.paymentRepo = repository.NewPaymentRepository(a.db)
	a.routeRepo = repository.NewRouteRepository(a.db)
	a.ledgerRepo = repository.NewLedgerRepository(a.db)
	a.transferRepo = repository.NewTransferRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务并按顺序注册事件订阅
//
// 注册顺序即同一主题内的处理顺序: 匹配器先于订单服务，
// 订单服务先于确认追踪器，Kafka 转发器最后注册 (见 initKafka)。
func (a *App) initServices() {
	a.eventBus = bus.New()

	a.ledgerSvc = service.NewLedgerService(a.ledgerRepo)

	a.routeSvc = service.NewRouteService(a.routeRepo, a.locker, a.provisioner, &service.RouteServiceConfig{
		ChainID:  a.cfg.Blockchain.ChainID,
		RouteTTL: time.Duration(a.cfg.Settlement.RouteTTL) * time.Second,
	})

	a.matcherSvc = service.NewMatcherService(a.paymentRepo, a.routeRepo, a.orderRepo, a.eventBus)

	a.orderSvc = service.NewOrderService(a.orderRepo, a.paymentRepo, a.routeSvc, a.ledgerSvc, a.eventBus)

	a.transferSvc = service.NewTransferService(a.transferRepo, a.ledgerSvc, a.hotWallet, a.locker, a.eventBus, service.TransferServiceOptions{
		ChainID:     a.cfg.Blockchain.ChainID,
		NativeToken: a.cfg.Blockchain.NativeToken,
		FeeHeadroom: decimal.NewFromFloat(a.cfg.Settlement.FeeHeadroom),
	})

	a.confirmationSvc = service.NewConfirmationService(
		a.chainRepo,
		a.paymentRepo,
		a.ledgerRepo,
		a.transferRepo,
		a.transferSvc,
		a.eventBus,
		service.ConfirmationOptions{
			PaymentConfirmations:  a.cfg.Blockchain.Confirmations.Payment,
			TransferConfirmations: a.cfg.Blockchain.Confirmations.Transfer,
		},
	)

	a.matcherSvc.Register()
	a.orderSvc.Register()
	a.confirmationSvc.Register()

	logger.Info("services initialized")
}

// initKafka 初始化 Kafka
func (a *App) initKafka() error {
	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer

	// 外发通知在内部状态处理之后执行
	a.kafkaPublisher = kafka.NewPublisher(producer)
	a.kafkaPublisher.Register(a.eventBus)

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		GroupID:  a.cfg.Kafka.GroupID,
		EventBus: a.eventBus,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initWorkers 初始化后台任务
func (a *App) initWorkers() {
	a.executorPool = worker.NewExecutorPool(a.transferSvc, a.eventBus, &worker.ExecutorPoolConfig{
		Workers:   a.cfg.Settlement.ExecutorWorkers,
		QueueSize: a.cfg.Settlement.ExecutorQueue,
	})

	a.expiryWorker = worker.NewExpiryWorker(a.orderSvc, &worker.ExpiryWorkerConfig{
		Interval:  time.Duration(a.cfg.Settlement.ExpirySweep) * time.Second,
		BatchSize: a.cfg.Settlement.ExpiryBatchSize,
	})

	logger.Info("workers initialized",
		zap.Int("executor_workers", a.cfg.Settlement.ExecutorWorkers))
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	logger.Info("grpc server initialized")
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	a.executorPool.Start()
	a.expiryWorker.Start(ctx)

	// 启动 Kafka 消费者
	if err := a.kafkaConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kafka consumer: %w", err)
	}

	// 指标端点
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("metrics server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// gRPC 服务器
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
// 先停摄取，再等在途事件分发完，最后放掉出口与存储连接。
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop kafka consumer", zap.Error(err))
		}
	}

	if a.expiryWorker != nil {
		a.expiryWorker.Stop()
	}
	if a.executorPool != nil {
		a.executorPool.Stop()
	}

	if a.eventBus != nil {
		a.eventBus.Close()
	}

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", zap.Error(err))
		}
	}

	if a.kafkaProducer != nil {
		a.kafkaProducer.Close()
	}

	if a.chainClient != nil {
		a.chainClient.Close()
	}

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
