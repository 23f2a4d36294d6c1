package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-grid/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// ConfigFromSource reads the default S3 connection settings shared by every
// location that does not carry its own connection string.
func ConfigFromSource(src env.Source) (Config, error) {
	useSSL, err := src.Bool(false, "GRID_S3_USE_SSL")
	if err != nil {
		return Config{}, err
	}
	return Config{
		Endpoint:  src.String("localhost:9000", "GRID_S3_ENDPOINT"),
		AccessKey: src.String("", "GRID_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID"),
		SecretKey: src.String("", "GRID_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"),
		Region:    src.String("us-east-1", "GRID_S3_REGION", "AWS_REGION"),
		UseSSL:    useSSL,
	}, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
