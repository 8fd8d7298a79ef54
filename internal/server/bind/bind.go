// Package bind decodes and validates JSON request bodies.
package bind

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// DefaultMaxBytes caps request bodies.
const DefaultMaxBytes = 1 << 20

// Error reports a body that could not be decoded or failed validation.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

type validatorSvc struct {
	validate *validator.Validate
	trans    ut.Translator
}

var (
	once sync.Once
	svc  *validatorSvc
)

func get() *validatorSvc {
	once.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)
		registerShort(v, trans, "min", "{0} must be at least {1}")
		registerShort(v, trans, "max", "{0} must be at most {1}")

		svc = &validatorSvc{validate: v, trans: trans}
	})
	return svc
}

// Validate runs struct validation on v.
func Validate(v any) error {
	s := get()
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &Error{Field: verrs[0].Field(), Message: verrs[0].Translate(s.trans)}
		}
		return &Error{Message: err.Error()}
	}
	return nil
}

// JSON decodes the request body into T, rejecting unknown fields and
// trailing data, then validates it.
func JSON[T any](r *http.Request) (T, error) {
	var dst T
	if r.Body == nil || r.Body == http.NoBody {
		return dst, &Error{Message: "request body is required"}
	}
	defer r.Body.Close() // nolint:errcheck // best-effort cleanup

	dec := json.NewDecoder(io.LimitReader(r.Body, DefaultMaxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&dst); err != nil {
		if errors.Is(err, io.EOF) {
			return dst, &Error{Message: "request body is required"}
		}
		return dst, &Error{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if dec.More() {
		return dst, &Error{Message: "unexpected trailing data"}
	}
	if err := Validate(dst); err != nil {
		return dst, err
	}
	return dst, nil
}

func registerShort(v *validator.Validate, trans ut.Translator, tag, text string) {
	_ = v.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error {
			return ut.Add(tag, text, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, _ := ut.T(tag, fe.Field(), fe.Param())
			return msg
		},
	)
}
