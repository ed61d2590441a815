package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Settlement SettlementConfig `yaml:"settlement" json:"settlement"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL        string              `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs []string            `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID       int64               `yaml:"chain_id" json:"chain_id"`
	PrivateKey    string              `yaml:"private_key" json:"private_key"`
	NativeToken   string              `yaml:"native_token" json:"native_token"`
	Confirmations ConfirmationsConfig `yaml:"confirmations" json:"confirmations"`
	Tokens        []TokenConfig       `yaml:"tokens" json:"tokens"`
}

// ConfirmationsConfig 确认深度配置
type ConfirmationsConfig struct {
	Payment  int `yaml:"payment" json:"payment"`
	Transfer int `yaml:"transfer" json:"transfer"`
}

// TokenConfig 代币配置
type TokenConfig struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Address  string `yaml:"address" json:"address"`
	Decimals int    `yaml:"decimals" json:"decimals"`
}

// SettlementConfig 结算配置
type SettlementConfig struct {
	RouteTTL        int     `yaml:"route_ttl" json:"route_ttl"`                 // 入金路由有效期 (秒)
	ExpirySweep     int     `yaml:"expiry_sweep" json:"expiry_sweep"`           // 过期订单扫描间隔 (秒)
	ExpiryBatchSize int     `yaml:"expiry_batch_size" json:"expiry_batch_size"` // 单次扫描上限
	ExecutorWorkers int     `yaml:"executor_workers" json:"executor_workers"`   // 转账执行协程数
	ExecutorQueue   int     `yaml:"executor_queue" json:"executor_queue"`       // 转账执行队列长度
	SendTimeout     int     `yaml:"send_timeout" json:"send_timeout"`           // 上链发送超时 (秒)
	FeeHeadroom     float64 `yaml:"fee_headroom" json:"fee_headroom"`           // 原生币转账的手续费预留
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := string(data)
	content = expandEnvVars(content)

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "clearhub-settlement"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 9091
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "clearhub-settlement"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "clearhub-settlement"
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.NativeToken == "" {
		cfg.Blockchain.NativeToken = "ETH"
	}
	if cfg.Blockchain.Confirmations.Payment == 0 {
		cfg.Blockchain.Confirmations.Payment = 10
	}
	if cfg.Blockchain.Confirmations.Transfer == 0 {
		cfg.Blockchain.Confirmations.Transfer = cfg.Blockchain.Confirmations.Payment
	}

	if cfg.Settlement.RouteTTL == 0 {
		cfg.Settlement.RouteTTL = 900
	}
	if cfg.Settlement.ExpirySweep == 0 {
		cfg.Settlement.ExpirySweep = 30
	}
	if cfg.Settlement.ExpiryBatchSize == 0 {
		cfg.Settlement.ExpiryBatchSize = 100
	}
	if cfg.Settlement.ExecutorWorkers == 0 {
		cfg.Settlement.ExecutorWorkers = 4
	}
	if cfg.Settlement.ExecutorQueue == 0 {
		cfg.Settlement.ExecutorQueue = 256
	}
	if cfg.Settlement.SendTimeout == 0 {
		cfg.Settlement.SendTimeout = 30
	}
	if cfg.Settlement.FeeHeadroom == 0 {
		cfg.Settlement.FeeHeadroom = 0.01
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
