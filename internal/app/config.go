package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量前缀，例如 CUSTODY_DB_PATH。
const EnvPrefix = "CUSTODY"

// 仓储实现。
const (
	RepositorySQLite = "sqlite"
	RepositoryMemory = "memory"
)

// Config 存放应用级配置。
type Config struct {
	DBPath       string `mapstructure:"db_path"`
	DataDir      string `mapstructure:"data_dir"`
	EvidenceRoot string `mapstructure:"evidence_root"`
	ExportDir    string `mapstructure:"export_dir"`
	// PolicyPath 为空时使用内置存储策略。
	PolicyPath string `mapstructure:"policy_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	ListenAddr string `mapstructure:"listen_addr"`
	Repository string `mapstructure:"repository"`

	QuarantineOnFailure bool `mapstructure:"quarantine_on_failure"`
	VerifyConcurrency   int  `mapstructure:"verify_concurrency"`
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:              "data/custody.db",
		DataDir:             "data",
		EvidenceRoot:        "data/evidence",
		ExportDir:           "data/exports",
		LogLevel:            "info",
		LogFormat:           "console",
		ListenAddr:          "127.0.0.1:8787",
		Repository:          RepositorySQLite,
		QuarantineOnFailure: true,
		VerifyConcurrency:   4,
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("db_path", "")
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("evidence_root", "")
	v.SetDefault("export_dir", "")
	v.SetDefault("policy_path", d.PolicyPath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("repository", d.Repository)
	v.SetDefault("quarantine_on_failure", d.QuarantineOnFailure)
	v.SetDefault("verify_concurrency", d.VerifyConcurrency)
}

// LoadConfig 按 默认值 < 配置文件 < CUSTODY_* 环境变量 的优先级加载配置。
// file 为空时依次在 . 与 ./config 下查找 custody.yaml，找不到不算错误。
func LoadConfig(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(file) != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("custody")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ResolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePaths 把未显式设置的目录从 DataDir 推导出来。
func (c *Config) ResolvePaths() {
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	if strings.TrimSpace(c.EvidenceRoot) == "" {
		c.EvidenceRoot = filepath.Join(dataDir, "evidence")
	}
	if strings.TrimSpace(c.ExportDir) == "" {
		c.ExportDir = filepath.Join(dataDir, "exports")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = filepath.Join(dataDir, "custody.db")
	}
	c.DataDir = dataDir
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	switch c.Repository {
	case RepositorySQLite, RepositoryMemory:
	default:
		return fmt.Errorf("invalid repository %q (expected %s or %s)", c.Repository, RepositorySQLite, RepositoryMemory)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	if c.VerifyConcurrency < 1 {
		return fmt.Errorf("verify_concurrency must be >= 1, got %d", c.VerifyConcurrency)
	}
	return nil
}
