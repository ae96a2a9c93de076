package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/utafrali/saga-orchestrator/pkg/errors"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names so API errors match the request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("httpurl", func(fl validator.FieldLevel) bool {
		return IsHTTPURL(fl.Field().String())
	})
	return v
}

// IsHTTPURL reports whether raw is an absolute http or https URL with a host.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate checks the struct tags of s. Field failures come back as a
// *ValidationError.
func Validate(s any) error {
	if err := validate.Struct(s); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return &ValidationError{Errors: validationErrors}
		}
		return err
	}
	return nil
}

// ValidationError carries the failed fields of a request body.
type ValidationError struct {
	Errors validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, err := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("field '%s' %s", fieldPath(err), msgForTag(err)))
	}
	return strings.Join(msgs, "; ")
}

// Fields returns a map of field names to error messages. Nested fields use
// their dotted path below the top-level struct, e.g. "steps[1].action".
func (e *ValidationError) Fields() map[string]string {
	fields := make(map[string]string, len(e.Errors))
	for _, err := range e.Errors {
		fields[fieldPath(err)] = msgForTag(err)
	}
	return fields
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

// tagMessages renders a failed tag. Length tags read differently for
// collections.
var tagMessages = map[string]func(fe validator.FieldError) string{
	"required": func(validator.FieldError) string { return "is required" },
	"httpurl":  func(validator.FieldError) string { return "must be a valid URL" },
	"url":      func(validator.FieldError) string { return "must be a valid URL" },
	"oneof":    func(fe validator.FieldError) string { return "must be one of: " + fe.Param() },
	"gte":      func(fe validator.FieldError) string { return "must be greater than or equal to " + fe.Param() },
	"lte":      func(fe validator.FieldError) string { return "must be less than or equal to " + fe.Param() },
	"min":      func(fe validator.FieldError) string { return "must " + lengthPhrase(fe, "at least") },
	"max":      func(fe validator.FieldError) string { return "must " + lengthPhrase(fe, "at most") },
}

func lengthPhrase(fe validator.FieldError, bound string) string {
	switch fe.Kind() {
	case reflect.Slice, reflect.Map:
		return fmt.Sprintf("contain %s %s items", bound, fe.Param())
	case reflect.String:
		return fmt.Sprintf("be %s %s characters", bound, fe.Param())
	default:
		return fmt.Sprintf("be %s %s", bound, fe.Param())
	}
}

func msgForTag(fe validator.FieldError) string {
	if msg, ok := tagMessages[fe.Tag()]; ok {
		return msg(fe)
	}
	return fmt.Sprintf("failed on '%s' validation", fe.Tag())
}

// DecodeAndValidate reads JSON from the request body, decodes it into dst,
// and validates it. Syntactically broken bodies are InvalidInput (400);
// well-formed JSON with a wrongly typed field, such as a steps value that is
// not a list, is a Validation error (422).
func DecodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return apperrors.Validation(fmt.Sprintf("decode request body: field %q must be %s", typeErr.Field, typeErr.Type))
		}
		return apperrors.InvalidInput(fmt.Sprintf("decode request body: %v", err))
	}
	return Validate(dst)
}
