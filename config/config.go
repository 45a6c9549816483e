package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig 定义服务器相关配置
type ServerConfig struct {
	Port int `yaml:"port"` // 服务监听端口
}

// MysqlConfig 定义MySQL数据库连接配置
type MysqlConfig struct {
	Host     string `yaml:"host"`     // 数据库主机地址
	Port     int    `yaml:"port"`     // 数据库端口
	User     string `yaml:"user"`     // 数据库用户名
	Password string `yaml:"password"` // 数据库密码
	Name     string `yaml:"name"`     // 数据库名称
}

// RedisConfig 定义Redis集群配置
type RedisConfig struct {
	ClusterNodes string `yaml:"cluster_nodes"` // Redis集群节点地址，多个节点用逗号分隔
	Password     string `yaml:"password"`      // Redis访问密码
}

// KafkaConfig 定义Kafka消息队列配置
type KafkaConfig struct {
	Brokers     string `yaml:"brokers"`      // Kafka broker地址，多个用逗号分隔
	TaskTopic   string `yaml:"task_topic"`   // 到期任务主题
	NotifyTopic string `yaml:"notify_topic"` // 通知消息主题
	GroupID     string `yaml:"group_id"`     // 消费者组ID
}

// EtcdConfig 定义Etcd配置
type EtcdConfig struct {
	Host        string `yaml:"host"`         // Etcd服务地址
	DialTimeout int    `yaml:"dial_timeout"` // 连接超时时间（秒）
	Username    string `yaml:"username"`     // 认证用户名
	Password    string `yaml:"password"`     // 认证密码
}

// RabbitMQConfig 定义RabbitMQ配置，仅在通知走RabbitMQ时使用
type RabbitMQConfig struct {
	URL   string `yaml:"url"`   // 连接地址
	Queue string `yaml:"queue"` // 通知队列名
}

// NotifyConfig 定义通知投递方式
type NotifyConfig struct {
	Transport string `yaml:"transport"` // kafka 或 rabbitmq
}

// TracingConfig 定义链路追踪配置
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`         // 是否开启
	ServiceName    string `yaml:"service_name"`    // 服务名
	JaegerEndpoint string `yaml:"jaeger_endpoint"` // Jaeger collector地址
}

// GrouponConfig 定义拼团业务参数
type GrouponConfig struct {
	AutoCancelMinutes      int    `yaml:"auto_cancel_minutes"`      // 未支付订单自动取消时长（分钟）
	ExpireToleranceSeconds int    `yaml:"expire_tolerance_seconds"` // 活动过期任务允许提前触发的秒数
	MaxWindowDays          int    `yaml:"max_window_days"`          // 活动最长天数
	RefundConcurrency      int    `yaml:"refund_concurrency"`       // 拼团失败并发退款数
	DelayPollIntervalMs    int    `yaml:"delay_poll_interval_ms"`   // 延时任务轮询间隔（毫秒）
	PausedRetryMinutes     int    `yaml:"paused_retry_minutes"`     // 超时结算关闭时团超时任务的推迟时长（分钟）
	SweepCron              string `yaml:"sweep_cron"`               // 补偿扫描的cron表达式（含秒）
	WechatRefundURL        string `yaml:"wechat_refund_url"`        // 微信退款网关地址
}

// Config 聚合所有配置项
type Config struct {
	Server   ServerConfig   `yaml:"server"`   // 服务器配置
	Database MysqlConfig    `yaml:"database"` // MySQL数据库配置
	Redis    RedisConfig    `yaml:"redis"`    // Redis配置
	Kafka    KafkaConfig    `yaml:"kafka"`    // Kafka配置
	Etcd     EtcdConfig     `yaml:"etcd"`     // Etcd配置
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"` // RabbitMQ配置
	Notify   NotifyConfig   `yaml:"notify"`   // 通知配置
	Tracing  TracingConfig  `yaml:"tracing"`  // 链路追踪配置
	Groupon  GrouponConfig  `yaml:"groupon"`  // 拼团业务配置
}

// AppConfig 全局配置实例
var AppConfig *Config

// GetRedisClusterNodes 将Redis集群节点字符串转换为切片
func (rc *RedisConfig) GetRedisClusterNodes() []string {
	return splitList(rc.ClusterNodes)
}

// GetKafkaBrokers 将Kafka broker地址字符串转换为切片
func (kc *KafkaConfig) GetKafkaBrokers() []string {
	return splitList(kc.Brokers)
}

// GetEtcdEndpoints 获取Etcd服务端点（返回切片形式）
func (ec *EtcdConfig) GetEtcdEndpoints() []string {
	return []string{ec.Host}
}

// AutoCancelDelay 未支付订单自动取消延时
func (gc *GrouponConfig) AutoCancelDelay() time.Duration {
	return time.Duration(gc.AutoCancelMinutes) * time.Minute
}

// ExpireTolerance 活动过期任务的提前容忍时间
func (gc *GrouponConfig) ExpireTolerance() time.Duration {
	return time.Duration(gc.ExpireToleranceSeconds) * time.Second
}

// MaxWindow 活动最长持续时间
func (gc *GrouponConfig) MaxWindow() time.Duration {
	return time.Duration(gc.MaxWindowDays) * 24 * time.Hour
}

// DelayPollInterval 延时任务轮询间隔
func (gc *GrouponConfig) DelayPollInterval() time.Duration {
	return time.Duration(gc.DelayPollIntervalMs) * time.Millisecond
}

// PausedRetry 超时结算关闭时团超时任务的推迟时长
func (gc *GrouponConfig) PausedRetry() time.Duration {
	return time.Duration(gc.PausedRetryMinutes) * time.Minute
}

// UseRabbitMQ 通知是否通过RabbitMQ投递
func (cfg *Config) UseRabbitMQ() bool {
	return strings.EqualFold(cfg.Notify.Transport, "rabbitmq")
}

// splitList 按逗号拆分并去掉空项
func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// applyDefaults 为未配置的拼团参数填充默认值
func (cfg *Config) applyDefaults() {
	g := &cfg.Groupon
	if g.AutoCancelMinutes == 0 {
		g.AutoCancelMinutes = 15 // 未支付15分钟后取消
	}
	if g.ExpireToleranceSeconds == 0 {
		g.ExpireToleranceSeconds = 10 // 过期任务最多提前10秒
	}
	if g.MaxWindowDays == 0 {
		g.MaxWindowDays = 31
	}
	if g.RefundConcurrency == 0 {
		g.RefundConcurrency = 4 // 同时调用退款网关的订单数
	}
	if g.DelayPollIntervalMs == 0 {
		g.DelayPollIntervalMs = 1000
	}
	if g.PausedRetryMinutes == 0 {
		g.PausedRetryMinutes = 5
	}
	if g.SweepCron == "" {
		g.SweepCron = "0 */1 * * * *" // 每分钟第0秒扫描一次
	}
	if cfg.Notify.Transport == "" {
		cfg.Notify.Transport = "kafka"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "groupon-gateway"
	}
}

// Validate 验证配置完整性
func (cfg *Config) Validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535, got %d", cfg.Database.Port)
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	if len(cfg.Redis.GetRedisClusterNodes()) == 0 {
		return fmt.Errorf("redis cluster nodes are required")
	}

	if len(cfg.Kafka.GetKafkaBrokers()) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if cfg.Kafka.TaskTopic == "" {
		return fmt.Errorf("kafka task topic is required")
	}
	if cfg.Kafka.NotifyTopic == "" {
		return fmt.Errorf("kafka notify topic is required")
	}
	if cfg.Kafka.GroupID == "" {
		return fmt.Errorf("kafka group id is required")
	}

	if cfg.Etcd.Host == "" {
		return fmt.Errorf("etcd host is required")
	}
	if cfg.Etcd.DialTimeout <= 0 {
		return fmt.Errorf("etcd dial timeout must be positive")
	}

	switch strings.ToLower(cfg.Notify.Transport) {
	case "kafka":
	case "rabbitmq":
		if cfg.RabbitMQ.URL == "" || cfg.RabbitMQ.Queue == "" {
			return fmt.Errorf("rabbitmq url and queue are required when notify transport is rabbitmq")
		}
	default:
		return fmt.Errorf("unknown notify transport: %s", cfg.Notify.Transport)
	}

	if cfg.Tracing.Enabled && cfg.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("jaeger endpoint is required when tracing is enabled")
	}

	g := cfg.Groupon
	if g.AutoCancelMinutes <= 0 {
		return fmt.Errorf("auto cancel minutes must be positive, got %d", g.AutoCancelMinutes)
	}
	if g.ExpireToleranceSeconds < 0 {
		return fmt.Errorf("expire tolerance seconds must not be negative, got %d", g.ExpireToleranceSeconds)
	}
	if g.MaxWindowDays <= 0 {
		return fmt.Errorf("max window days must be positive, got %d", g.MaxWindowDays)
	}
	if g.RefundConcurrency <= 0 {
		return fmt.Errorf("refund concurrency must be positive, got %d", g.RefundConcurrency)
	}
	if g.DelayPollIntervalMs <= 0 {
		return fmt.Errorf("delay poll interval must be positive, got %d", g.DelayPollIntervalMs)
	}
	if g.PausedRetryMinutes <= 0 {
		return fmt.Errorf("paused retry minutes must be positive, got %d", g.PausedRetryMinutes)
	}

	return nil
}

// Load 解析YAML配置内容，支持${VAR}形式引用环境变量
func Load(data []byte) (*Config, error) {
	// 解析YAML配置
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	// 验证配置完整性
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// InitConfig 从指定路径加载YAML配置文件
func InitConfig(path string) error {
	// .env 文件可选，不存在时直接使用进程环境变量
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	// 读取配置文件内容
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Load(data)
	if err != nil {
		return err
	}

	// 将解析后的配置赋值给全局变量
	AppConfig = cfg
	slog.Info("Configuration loaded successfully",
		"path", path,
		"server_port", cfg.Server.Port,
		"database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name),
		"redis_nodes", cfg.Redis.ClusterNodes,
		"kafka_brokers", cfg.Kafka.Brokers,
		"etcd_host", cfg.Etcd.Host,
		"notify_transport", cfg.Notify.Transport,
	)
	return nil
}
