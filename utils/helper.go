package utils

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors turns validator errors into readable messages. messages is keyed by
// "Field.tag" first, then "Field"; anything else reads "<field> is invalid".
func ProcessValidationErrors(err error, messages map[string]string) []string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(validationErrors))
	for _, ve := range validationErrors {
		msg, ok := messages[ve.StructField()+"."+ve.Tag()]
		if !ok {
			msg, ok = messages[ve.StructField()]
		}
		if !ok {
			msg = ve.Field() + " is invalid"
		}
		out = append(out, msg)
	}
	return UniqueSlice(out)
}

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func IntFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}
