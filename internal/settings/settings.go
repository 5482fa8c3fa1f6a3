// Package settings loads the externally owned YAML configuration files: the
// conflict rule matrix, algorithm parameters and the pricing table.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/access-advisor/internal/shared"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator exposes the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// LoadYAML reads path and strictly decodes it into out. Unknown keys and
// validation failures are configuration errors.
func LoadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("settings: read %s: %w", path, err)
	}
	return DecodeYAML(data, out)
}

// DecodeYAML decodes raw YAML bytes into out and validates struct tags.
func DecodeYAML(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return shared.ConfigError("decode yaml: %v", err)
	}
	return Validate(out)
}

// Validate runs struct tag validation and flattens the failures into a single
// configuration error.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return shared.ConfigError("%s", strings.Join(msgs, "; "))
		}
		return shared.ConfigError("%v", err)
	}
	return nil
}
