package config

import (
	"os"
	"strconv"
	"strings"

	"renderq/internal/pkg/errors"
)

// Env returns the trimmed value of k, or def when unset or blank.
func Env(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

// BoolEnv reads an env var as bool. If empty or invalid, returns def.
// strconv.ParseBool accepts: 1,t,T,TRUE,true,True,0,f,F,FALSE,false,False.
func BoolEnv(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// IntEnv reads an env var as int. Unlike BoolEnv, a malformed value is an
// error.
func IntEnv(k string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.CodeValidation, "config.load", "invalid "+k)
	}
	return n, nil
}
