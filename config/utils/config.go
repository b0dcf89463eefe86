// Package config provides utilities to load environment variables & set config structs, it includes app, logger, redis cache, db, message broker, oracle and planner environment variables.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, database, cache, message broker, oracle and planner
type (
	AppConfig struct {
		App     *App     `mapstructure:"app"`
		Redis   *Redis   `mapstructure:"redis"`
		Logger  *Logger  `mapstructure:"logger"`
		DB      *DB      `mapstructure:"db"`
		AMQP    *AMQP    `mapstructure:"amqp"`
		Oracle  *Oracle  `mapstructure:"oracle"`
		Planner *Planner `mapstructure:"planner"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the cache service
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Database   string `mapstructure:"database"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
	}

	// AMQP contains the message broker connection and monitoring endpoints
	AMQP struct {
		URL           string `mapstructure:"url"`
		PrometheusURL string `mapstructure:"prometheusUrl"`
		HostInstance  string `mapstructure:"hostInstance"`
	}

	// Oracle configures the embedding oracle backing the planner
	Oracle struct {
		Mode         string  `mapstructure:"mode"` // synthetic
		DefaultModel string  `mapstructure:"defaultModel"`
		EmbeddingDim int     `mapstructure:"embeddingDim"`
		Noise        float64 `mapstructure:"noise"`
	}

	// Planner contains the task registry bounds and optimization defaults
	Planner struct {
		MaxTasks          int           `mapstructure:"maxTasks"`
		TaskTTL           time.Duration `mapstructure:"taskTtl"`
		DefaultSamples    int           `mapstructure:"defaultSamples"`
		DefaultIterations int           `mapstructure:"defaultIterations"`
		DefaultSteps      int           `mapstructure:"defaultSteps"`
		LeaseTTL          time.Duration `mapstructure:"leaseTtl"`
		Heartbeat         time.Duration `mapstructure:"heartbeat"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// New creates a new AppConfig instance
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("config file not found: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind DB variables
	viper.BindEnv("db.host", "PG_HOST")
	viper.BindEnv("db.port", "PG_PORT")
	viper.BindEnv("db.user", "PG_USER")
	viper.BindEnv("db.password", "PG_PASS")
	viper.BindEnv("db.name", "PG_DB")

	// Bind Redis variables
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind broker and oracle variables
	viper.BindEnv("amqp.url", "AMQP_URL")
	viper.BindEnv("amqp.prometheusUrl", "PROMETHEUS_URL")
	viper.BindEnv("oracle.defaultModel", "ORACLE_MODEL")

	// Create an instance of AppConfig
	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}
