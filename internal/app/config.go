package app

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds runtime wiring options for building the engines. Flags
// override values decoded from the environment.
type Config struct {
	Home       string `env:"NACRE_HOME"`
	UserID     string `env:"NACRE_USER_ID"`
	DeviceID   string `env:"NACRE_DEVICE_ID,default=NACRE"`
	Passphrase string `env:"NACRE_PASSPHRASE"`

	RotationPeriod   time.Duration `env:"NACRE_ROTATION_PERIOD,default=168h"`
	RotationMessages int           `env:"NACRE_ROTATION_MESSAGES,default=100"`

	LogLevel string `env:"NACRE_LOG_LEVEL,default=info"`
}

// ConfigFromEnv decodes Config from NACRE_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
