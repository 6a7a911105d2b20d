package app

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DotEnvFile is read from the workspace before flags and env are resolved.
const DotEnvFile = ".env"

// ServerEnv holds the secrets and listen settings serve takes from the environment
// rather than chub.yml.
type ServerEnv struct {
	JWTSecret              string `env:"CHUB_JWT_SECRET"`
	Addr                   string `env:"CHUB_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath               string `env:"CHUB_BASE_PATH" envDefault:"/v0"`
	RedisPassword          string `env:"CHUB_REDIS_PASSWORD"`
	AllowLegacyActorHeader bool   `env:"CHUB_ALLOW_LEGACY_ACTOR_HEADER"`
	OTelEndpoint           string `env:"CHUB_OTEL_ENDPOINT"`
	OTelEnabled            bool   `env:"CHUB_OTEL_ENABLED" envDefault:"true"`
}

func LoadServerEnv() (ServerEnv, error) {
	var out ServerEnv
	if err := env.Parse(&out); err != nil {
		return ServerEnv{}, err
	}
	return out, nil
}

// LoadDotEnv exports the variables of <workspace>/.env that are not already set.
// A missing file is not an error.
func LoadDotEnv(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	err := godotenv.Load(filepath.Join(workspace, DotEnvFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
