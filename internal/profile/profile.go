// Package profile decides whether an issuer carries the legal mentions a
// French invoice must display.
package profile

import (
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

// Checker validates issuer profiles against the tags on repository.Issuer.
type Checker struct {
	validate *validator.Validate
}

// NewChecker creates a Checker. Field names in results are the JSON names.
func NewChecker() *Checker {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Checker{validate: v}
}

// Check reports whether issuer is complete and, if not, which fields are
// missing or malformed, sorted by name.
func (c *Checker) Check(issuer *repository.Issuer) (bool, []string) {
	if issuer == nil {
		return false, []string{"issuer"}
	}

	err := c.validate.Struct(issuer)
	if err == nil {
		return true, nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false, []string{err.Error()}
	}

	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	sort.Strings(missing)
	return false, missing
}

// Violations renders the result of Check as finalize violation messages.
func (c *Checker) Violations(issuer *repository.Issuer) []string {
	ok, missing := c.Check(issuer)
	if ok {
		return nil
	}
	out := make([]string, 0, len(missing))
	for _, f := range missing {
		out = append(out, "issuer profile incomplete: "+f)
	}
	return out
}
