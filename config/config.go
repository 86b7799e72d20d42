package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Tournament TournamentConfig `mapstructure:"tournament"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	ETCD       ETCDConfig       `mapstructure:"etcd"`
	GraphQL    GraphQLConfig    `mapstructure:"graphql"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// 缓存有效期
	CellStateTTL       time.Duration `mapstructure:"cell_state_ttl"`
	VisibleCommentsTTL time.Duration `mapstructure:"visible_comments_ttl"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Partition int      `mapstructure:"partition"`
	GroupID   string   `mapstructure:"group_id"`
}

// TournamentConfig 淘汰赛引擎参数
type TournamentConfig struct {
	// 每个投票小组的固定规模（议题数/参与者分组基数）
	GroupSize int `mapstructure:"group_size"`
	// 全员投完后到定格前的宽限期
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// 加权投票的总权重预算，一次投票必须全部分配
	WeightBudget int `mapstructure:"weight_budget"`
	// 每一层级的投票截止时长
	TierDeadline time.Duration `mapstructure:"tier_deadline"`
	// 评论每获得多少赞提升一层可见层级
	PromoteUpvoteStep int `mapstructure:"promote_upvote_step"`
	// 评论每获得多少赞增加一个同层扩散名额
	SpreadUpvoteStep int `mapstructure:"spread_upvote_step"`
	// 挑战积累窗口时长
	AccumulationWindow time.Duration `mapstructure:"accumulation_window"`
	// 开启挑战轮所需的最少挑战者数量
	MinChallengers int `mapstructure:"min_challengers"`
	// 每轮挑战允许的小组数量上限（容量规则）
	ChallengerCellCap int `mapstructure:"challenger_cell_cap"`
	// 挑战者被搁置超过该轮数后退役
	MaxBenchedRounds int `mapstructure:"max_benched_rounds"`
}

type SweepConfig struct {
	// 扫描循环的触发间隔
	Interval time.Duration `mapstructure:"interval"`
	// 扫描主节点锁的超时时间
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// 获取锁的重试次数
	LockRetryCount int `mapstructure:"lock_retry_count"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

var AppConfig Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyDefaults(&AppConfig)

	return &AppConfig, nil
}

// applyDefaults 为未配置的引擎参数填充默认值
func applyDefaults(cfg *Config) {
	t := &cfg.Tournament
	if t.GroupSize <= 0 {
		t.GroupSize = 5
	}
	if t.GracePeriod <= 0 {
		t.GracePeriod = 10 * time.Second
	}
	if t.WeightBudget <= 0 {
		t.WeightBudget = 10
	}
	if t.TierDeadline <= 0 {
		t.TierDeadline = 24 * time.Hour
	}
	if t.PromoteUpvoteStep <= 0 {
		t.PromoteUpvoteStep = 5
	}
	if t.SpreadUpvoteStep <= 0 {
		t.SpreadUpvoteStep = 3
	}
	if t.AccumulationWindow <= 0 {
		t.AccumulationWindow = 72 * time.Hour
	}
	if t.MinChallengers <= 0 {
		t.MinChallengers = 4
	}
	if t.ChallengerCellCap <= 0 {
		t.ChallengerCellCap = 20
	}
	if t.MaxBenchedRounds <= 0 {
		t.MaxBenchedRounds = 3
	}
	if cfg.Redis.CellStateTTL <= 0 {
		cfg.Redis.CellStateTTL = 30 * time.Second
	}
	if cfg.Redis.VisibleCommentsTTL <= 0 {
		cfg.Redis.VisibleCommentsTTL = 15 * time.Second
	}
	if cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = 5 * time.Second
	}
	if cfg.ETCD.SessionTTL <= 0 {
		cfg.ETCD.SessionTTL = 10 * time.Second
	}
}
