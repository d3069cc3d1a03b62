package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/chatflow/pkg/schema"
)

const (
	DefaultMaxSteps           = 100
	DefaultIntegrationTimeout = 10 * time.Second
	DefaultGraphCacheSize     = 256
)

// Config tunes the drive loop.
type Config struct {
	// MaxSteps is the loop guard: an execution that evaluates more nodes
	// than this fails with LOOP_GUARD_EXCEEDED.
	MaxSteps           int           `mapstructure:"max_steps" validate:"gte=1,lte=1000000"`
	IntegrationTimeout time.Duration `mapstructure:"integration_timeout" validate:"gt=0"`
	// GraphCacheSize sizes the definition cache built by the wiring code.
	GraphCacheSize int `mapstructure:"cache_size" validate:"gte=1"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:           DefaultMaxSteps,
		IntegrationTimeout: DefaultIntegrationTimeout,
		GraphCacheSize:     DefaultGraphCacheSize,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSteps == 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.IntegrationTimeout == 0 {
		c.IntegrationTimeout = d.IntegrationTimeout
	}
	if c.GraphCacheSize == 0 {
		c.GraphCacheSize = d.GraphCacheSize
	}
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid engine config: %s", strings.Join(msgs, "; ")).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid engine config: %s", err.Error()).WithCause(err)
	}
	return nil
}
