package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the pipeline definition and the ambient sections. The
// warehouse URL is not required here so that commands which never connect
// (graph, init-config) work without one; see ValidateWarehouse.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c.Pipeline); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if c.Pipeline.StartDate.IsZero() {
		errs = append(errs, errors.New("pipeline.start_date is required"))
	}

	ids := make(map[string]bool, len(c.Pipeline.Tasks))
	for _, t := range c.Pipeline.Tasks {
		if ids[t.ID] {
			errs = append(errs, fmt.Errorf("task %q defined twice", t.ID))
		}
		ids[t.ID] = true
	}
	for _, t := range c.Pipeline.Tasks {
		for _, dep := range t.DependsOn {
			switch {
			case dep == t.ID:
				errs = append(errs, fmt.Errorf("task %q depends on itself", t.ID))
			case !ids[dep]:
				errs = append(errs, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
		if t.Retries != nil && *t.Retries < 0 {
			errs = append(errs, fmt.Errorf("task %q: retries must not be negative", t.ID))
		}
		if t.RetryDelay != nil && *t.RetryDelay < 0 {
			errs = append(errs, fmt.Errorf("task %q: retry_delay must not be negative", t.ID))
		}
	}

	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if c.Source.Enabled() {
		if err := c.Source.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ValidateWarehouse checks the settings needed to open a warehouse pool.
func (c *Config) ValidateWarehouse() error {
	if err := c.Warehouse.DB().Validate(); err != nil {
		return fmt.Errorf("warehouse: %w", err)
	}
	return nil
}
