package config

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

func validateStruct(v any) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	// Use config keys in error messages
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get(tagName), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	errs := errors.NewMultiError()
	for _, e := range validationErrs {
		// Strip the root struct name, "Config.api.baseUrl" -> "api.baseUrl"
		key := e.Namespace()
		if i := strings.IndexByte(key, '.'); i >= 0 {
			key = key[i+1:]
		}
		if e.Param() != "" {
			errs.Append(errors.Errorf(`"%s" failed validation "%s=%s"`, key, e.Tag(), e.Param()))
		} else {
			errs.Append(errors.Errorf(`"%s" failed validation "%s"`, key, e.Tag()))
		}
	}
	return errs.ErrorOrNil()
}
