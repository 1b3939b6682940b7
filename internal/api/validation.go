package api

import (
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/mr1hm/go-civictrack/internal/location"
	"github.com/mr1hm/go-civictrack/internal/models"
)

var registerOnce sync.Once

// registerValidators adds the domain enum checks to gin's validator.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			slog.Warn("binding validator is not go-playground/validator, custom rules disabled")
			return
		}

		rules := map[string]validator.Func{
			"category": func(fl validator.FieldLevel) bool {
				return models.Category(fl.Field().String()).Valid()
			},
			"status": func(fl validator.FieldLevel) bool {
				return models.Status(fl.Field().String()).Valid()
			},
			"failure": func(fl validator.FieldLevel) bool {
				_, ok := location.ParseFailureKind(fl.Field().String())
				return ok
			},
		}
		for tag, fn := range rules {
			if err := v.RegisterValidation(tag, fn); err != nil {
				slog.Error("error registering validation", "tag", tag, "error", err)
			}
		}
	})
}
