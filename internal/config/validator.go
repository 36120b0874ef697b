package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/agoramesh/policygate/internal/domain/policy"
)

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Store.Backend == "sqlite" && c.Store.SQLitePath == "" {
		return errors.New("store.sqlite_path is required when store.backend is sqlite")
	}
	if c.Store.Backend == "jsonl" && c.Store.JSONLDir == "" {
		return errors.New("store.jsonl_dir is required when store.backend is jsonl")
	}

	if c.Seed.Enabled {
		if _, ok := policy.GetPolicyTemplate(c.Seed.Template); !ok {
			var names []string
			for _, info := range policy.ListPolicyTemplates() {
				names = append(names, info.Name)
			}
			return fmt.Errorf("seed.template: unknown template %q (known: %s)",
				c.Seed.Template, strings.Join(names, ", "))
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
