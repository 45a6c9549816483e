package global

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"groupon_system/config"
	"groupon_system/model"

	"github.com/go-redis/redis/v8"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 全局变量定义
var (
	DBClient           *gorm.DB             // MySQL数据库客户端
	RedisClusterClient *redis.ClusterClient // Redis集群客户端
	TaskWriter         *kafka.Writer        // 到期任务生产者
	TaskReader         *kafka.Reader        // 到期任务消费者
	NotifyWriter       *kafka.Writer        // 通知消息生产者
	EtcdClient         *clientv3.Client     // Etcd客户端
	RabbitConn         *amqp.Connection     // RabbitMQ连接，仅通知走RabbitMQ时初始化
)

// Etcd相关配置键常量
const (
	EtcdKeySettlementEnabled = "/groupon/config/settlement_enabled" // 超时自动失败结算开关
	EtcdKeyShopPrefix        = "/groupon/shop/"                     // 店铺配置前缀
	EtcdKeySweeperLock       = "/groupon/lock/sweeper"              // 补偿扫描锁
	EtcdKeyProductLockPrefix = "/groupon/lock/product/"             // 商品活动窗口锁前缀
)

// InitMySQL 初始化MySQL数据库连接
func InitMySQL() {
	cfg := config.AppConfig.Database
	// 构建数据库连接字符串
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	var err error
	// 创建数据库连接
	DBClient, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info), // 设置日志级别
	})
	if err != nil {
		slog.Error("failed to connect database",
			"error", err,
			"host", cfg.Host,
			"port", cfg.Port,
			"database", cfg.Name,
		)
		os.Exit(1)
	}

	// 获取底层sql.DB对象以设置连接池参数
	sqlDB, err := DBClient.DB()
	if err != nil {
		slog.Error("failed to get sql.DB", "error", err)
		os.Exit(1)
	}

	// 设置连接池参数
	sqlDB.SetMaxOpenConns(100)                // 最大打开连接数
	sqlDB.SetMaxIdleConns(20)                 // 最大空闲连接数
	sqlDB.SetConnMaxLifetime(3 * time.Minute) // 连接最大生命周期

	slog.Info("MySQL connection established successfully",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Name,
	)

	// 初始化数据库表结构
	if err := initDatabase(); err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
}

// initDatabase 自动迁移拼团及关联表结构
func initDatabase() error {
	models := []any{
		&model.Groupon{},
		&model.GrouponAttend{},
		&model.GrouponAttendDetail{},
		&model.Order{},
		&model.StockRecord{},
		&model.PointRecord{},
		&model.RefundRecord{},
	}
	models = append(models, model.OperLogModels()...)

	if err := DBClient.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to auto migrate tables: %w", err)
	}
	return nil
}

// InitRedis 初始化Redis集群连接
func InitRedis() {
	cfg := config.AppConfig.Redis
	nodes := cfg.GetRedisClusterNodes() // 获取Redis集群节点列表

	// 创建Redis集群客户端
	RedisClusterClient = redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        nodes,        // 集群节点地址
		Password:     cfg.Password, // 访问密码
		PoolSize:     200,          // 连接池大小
		MinIdleConns: 10,           // 最小空闲连接数
	})

	// 测试连接是否成功
	if _, err := RedisClusterClient.Ping(context.Background()).Result(); err != nil {
		slog.Error("failed to connect redis cluster",
			"error", err,
			"nodes", nodes,
		)
		os.Exit(1)
	}

	slog.Info("Redis cluster connected successfully", "nodes", nodes)
}

// InitKafka 初始化任务与通知的Kafka生产者和消费者
func InitKafka() {
	cfg := config.AppConfig.Kafka
	brokers := cfg.GetKafkaBrokers() // 获取Kafka broker地址列表

	// 任务消息同步写入，调度器需要确认任务已投递
	TaskWriter = &kafka.Writer{
		Addr:         kafka.TCP(brokers...), // broker地址
		Topic:        cfg.TaskTopic,         // 任务主题
		Balancer:     &kafka.Hash{},         // 同一任务键落在同一分区
		RequiredAcks: kafka.RequireAll,
	}

	TaskReader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,       // broker地址
		Topic:    cfg.TaskTopic, // 任务主题
		GroupID:  cfg.GroupID,   // 消费者组ID
		MinBytes: 1,             // 最小读取字节数，到期任务不等凑批
		MaxBytes: 10e6,          // 最大读取字节数
	})

	// 通知尽力投递，异步写入即可
	NotifyWriter = &kafka.Writer{
		Addr:     kafka.TCP(brokers...), // broker地址
		Topic:    cfg.NotifyTopic,       // 通知主题
		Balancer: &kafka.LeastBytes{},   // 负载均衡策略
		Async:    true,                  // 异步模式
	}

	slog.Info("Kafka clients initialized",
		"brokers", brokers,
		"task_topic", cfg.TaskTopic,
		"notify_topic", cfg.NotifyTopic,
		"group_id", cfg.GroupID,
	)
}

// InitEtcd 初始化Etcd客户端连接
func InitEtcd() {
	cfg := config.AppConfig.Etcd
	endpoints := cfg.GetEtcdEndpoints() // 获取Etcd服务端点

	// 创建Etcd客户端
	client, err := clientv3.New(clientv3.Config{
		Endpoints:            endpoints,                                    // 服务端点
		DialTimeout:          time.Duration(cfg.DialTimeout) * time.Second, // 连接超时时间
		Username:             cfg.Username,                                 // 认证用户名
		Password:             cfg.Password,                                 // 认证密码
		DialKeepAliveTime:    10 * time.Second,
		DialKeepAliveTimeout: 3 * time.Second,
	})
	if err != nil {
		slog.Error("failed to connect etcd",
			"error", err,
			"endpoints", endpoints,
		)
		os.Exit(1)
	}

	// 检查Etcd服务状态
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := client.Status(ctx, endpoints[0]); err != nil {
		slog.Error("failed to get etcd status", "error", err)
		os.Exit(1)
	}

	EtcdClient = client
	slog.Info("Etcd connected successfully", "endpoints", endpoints)

	initEtcdConfig()
}

// initEtcdConfig 初始化Etcd中的默认配置
func initEtcdConfig() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 只在键不存在时写入默认值，避免覆盖运营调整过的配置
	resp, err := EtcdClient.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(EtcdKeySettlementEnabled), "=", 0)).
		Then(clientv3.OpPut(EtcdKeySettlementEnabled, "true")).
		Commit()
	if err != nil {
		slog.Warn("Failed to init etcd config", "key", EtcdKeySettlementEnabled, "error", err)
		return
	}
	if resp.Succeeded {
		slog.Info("Set default etcd config", "key", EtcdKeySettlementEnabled, "value", "true")
	}
}

// InitRabbitMQ 初始化RabbitMQ连接
func InitRabbitMQ() {
	cfg := config.AppConfig.RabbitMQ

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		slog.Error("failed to connect rabbitmq", "error", err)
		os.Exit(1)
	}

	RabbitConn = conn
	slog.Info("RabbitMQ connected successfully", "queue", cfg.Queue)
}

// CloseMysql 关闭MySQL数据库连接
func CloseMysql() {
	if DBClient != nil {
		if sqlDB, err := DBClient.DB(); err == nil {
			sqlDB.Close()
			slog.Info("MySQL connection closed")
		}
	}
}

// CloseRedis 关闭Redis集群连接
func CloseRedis() {
	if RedisClusterClient != nil {
		RedisClusterClient.Close()
		slog.Info("Redis cluster connection closed")
	}
}

// CloseKafka 关闭Kafka生产者和消费者
func CloseKafka() {
	for _, w := range []*kafka.Writer{TaskWriter, NotifyWriter} {
		if w != nil {
			w.Close()
		}
	}
	if TaskReader != nil {
		TaskReader.Close()
	}
	slog.Info("Kafka clients closed")
}

// CloseEtcd 关闭Etcd客户端连接
func CloseEtcd() {
	if EtcdClient != nil {
		EtcdClient.Close()
		slog.Info("Etcd connection closed")
	}
}

// CloseRabbitMQ 关闭RabbitMQ连接
func CloseRabbitMQ() {
	if RabbitConn != nil {
		RabbitConn.Close()
		slog.Info("RabbitMQ connection closed")
	}
}
