package config

import "github.com/spf13/viper"

type Config struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Group   string   `mapstructure:"group"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	// Collab 协作核心的时序参数全部集中在这里，不允许散落硬编码。
	Collab struct {
		LockTTLSeconds       int `mapstructure:"lockTtlSeconds"`       // 锁租约（持有者崩溃后的僵死上界）
		LockWaitSeconds      int `mapstructure:"lockWaitSeconds"`      // 提交时等锁上限
		LockRetryMS          int `mapstructure:"lockRetryMs"`          // 抢锁重试间隔
		SubmitTimeoutSeconds int `mapstructure:"submitTimeoutSeconds"` // 单次提交总超时（应大于等锁上限）
		SyncOpsThreshold     int `mapstructure:"syncOpsThreshold"`     // 追平增量条数上限，超过发快照
		SweepIntervalSeconds int `mapstructure:"sweepIntervalSeconds"` // 日志清扫间隔
		PresenceTTLSeconds   int `mapstructure:"presenceTtlSeconds"`   // 在线状态逻辑过期
	} `mapstructure:"Collab"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetDefault("Collab.lockTtlSeconds", 30)
	v.SetDefault("Collab.lockWaitSeconds", 30)
	v.SetDefault("Collab.lockRetryMs", 100)
	v.SetDefault("Collab.submitTimeoutSeconds", 35)
	v.SetDefault("Collab.syncOpsThreshold", 100)
	v.SetDefault("Collab.sweepIntervalSeconds", 60)
	v.SetDefault("Collab.presenceTtlSeconds", 600)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
