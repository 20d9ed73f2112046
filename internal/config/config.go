package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort uint16 `env:"REDIS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"graph_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"graph_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"graph_db"`

	// HistoryLimit caps the merged command replay returned on join and by
	// the REST history endpoint.
	HistoryLimit int `env:"HISTORY_LIMIT" envDefault:"50" validate:"min=1,max=500"`

	// LeaveGraceSeconds delays membership removal after a transport
	// disconnect (0 = remove immediately, same as an explicit leave).
	LeaveGraceSeconds int `env:"LEAVE_GRACE_SECONDS" envDefault:"0" validate:"min=0"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
