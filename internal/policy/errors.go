package policy

import (
	"errors"
	"strings"
)

// ErrConfig marks a malformed or invariant-violating policy document.
var ErrConfig = errors.New("policy config error")

// ConfigError lists every problem found while loading a policy.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 0 {
		return ErrConfig.Error()
	}
	return ErrConfig.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErr(problems ...string) error {
	return &ConfigError{Problems: problems}
}
