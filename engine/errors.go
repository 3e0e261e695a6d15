// Copyright 2026 The Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

// ConfigurationError reports that a required external object is
// missing and auto-creation is disabled. It is fatal for the tick,
// which aborts before mutating anything.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// IsConfigurationError reports whether err is a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var configErr *ConfigurationError
	return errors.As(err, &configErr)
}
