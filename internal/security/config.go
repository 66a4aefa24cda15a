package security

import "github.com/kelseyhightower/envconfig"

// Config controls the passphrase the reference Codec derives its
// secretbox key from.
type Config struct {
	Passphrase string `envconfig:"SECURITY_PASSPHRASE" required:"true"`
	Salt       string `envconfig:"SECURITY_SALT" default:"tradeengine"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
