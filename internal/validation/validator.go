package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates request structs using `validate` tags. Supported
// rules: required, email, min=N, max=N, len=N and oneof=a b c. Lengths apply
// to strings, slices and maps; numbers are compared by value.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" || !fieldType.IsExported() {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", fieldName(fieldType), err)
		}
	}

	return nil
}

// fieldName prefers the JSON name so errors match the request body
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		ruleName, arg, _ := strings.Cut(rule, "=")

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "email":
			if field.Kind() == reflect.String && field.Len() > 0 {
				local, domain, ok := strings.Cut(field.String(), "@")
				if !ok || local == "" || !strings.Contains(domain, ".") {
					return fmt.Errorf("invalid email format")
				}
			}

		case "min", "max", "len":
			if err := checkBound(field, ruleName, arg); err != nil {
				return err
			}

		case "oneof":
			if field.Kind() != reflect.String {
				return fmt.Errorf("oneof applies to strings only")
			}
			allowed := strings.Fields(arg)
			found := false
			for _, a := range allowed {
				if field.String() == a {
					found = true
					break
				}
			}
			if !found && field.Len() > 0 {
				return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
			}

		default:
			return fmt.Errorf("unknown validation rule %q", ruleName)
		}
	}

	return nil
}

func checkBound(field reflect.Value, rule, arg string) error {
	limit, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return fmt.Errorf("rule %s: invalid argument %q", rule, arg)
	}

	var (
		got  float64
		what = "value"
	)
	switch field.Kind() {
	case reflect.String:
		got, what = float64(len([]rune(field.String()))), "length"
	case reflect.Slice, reflect.Map, reflect.Array:
		got, what = float64(field.Len()), "length"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		got = float64(field.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		got = float64(field.Uint())
	case reflect.Float32, reflect.Float64:
		got = field.Float()
	default:
		return fmt.Errorf("rule %s does not apply to %s", rule, field.Kind())
	}

	switch {
	case rule == "min" && got < limit:
		return fmt.Errorf("minimum %s is %s", what, arg)
	case rule == "max" && got > limit:
		return fmt.Errorf("maximum %s is %s", what, arg)
	case rule == "len" && got != limit:
		return fmt.Errorf("%s must be %s", what, arg)
	}
	return nil
}
