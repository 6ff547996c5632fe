package model

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
	epsgPattern  = regexp.MustCompile(`^(?i)EPSG:[0-9]{4,6}$`)
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("epsg", func(fl validator.FieldLevel) bool {
			return epsgPattern.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// runs struct tag validation and flattens failures into a ValidationError
func validateStruct(s any) error {
	err := structValidator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return &ValidationError{Errors: msgs}
}
