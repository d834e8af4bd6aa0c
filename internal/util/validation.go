package util

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidateURL validates a URL string against the allowed schemes.
// With no schemes given, http and https are accepted.
func ValidateURL(rawURL string, schemes ...string) error {
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}

	if parsed.Scheme == "" {
		return fmt.Errorf("URL must have a scheme (%s)", strings.Join(schemes, " or "))
	}

	allowed := false
	for _, s := range schemes {
		if parsed.Scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("URL scheme must be %s, got: %s", strings.Join(schemes, " or "), parsed.Scheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	return nil
}

// ValidateNonEmpty validates that a string is not empty.
func ValidateNonEmpty(value, name string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	return nil
}

// ValidatePositiveDuration validates that a duration is positive.
func ValidatePositiveDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got: %v", d)
	}
	return nil
}

// ValidateRatio validates a value in the closed range 0..1.
func ValidateRatio(value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("ratio must be between 0 and 1, got: %f", value)
	}
	return nil
}
