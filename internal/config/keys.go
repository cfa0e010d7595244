package config

import (
	"errors"
	"net/url"
	"os"
	"strings"
)

// ErrNoNATSURL is returned when no NATS server is configured.
var ErrNoNATSURL = errors.New("no NATS server configured")

// URLSource represents where the NATS URL was loaded from.
type URLSource string

const (
	URLSourceEnv    URLSource = "environment"
	URLSourceConfig URLSource = "config_file"
	URLSourceNone   URLSource = "none"
)

// NATSURL returns the NATS server URL and where it came from.
// It checks in order: the standard NATS_URL environment variable, then config.
func NATSURL(cfg *Config) (string, URLSource, error) {
	if u := os.Getenv("NATS_URL"); u != "" {
		return u, URLSourceEnv, nil
	}

	if cfg != nil && cfg.NATS.URL != "" {
		u := os.ExpandEnv(cfg.NATS.URL)
		if u != "" && !strings.HasPrefix(u, "${") {
			return u, URLSourceConfig, nil
		}
	}

	return "", URLSourceNone, ErrNoNATSURL
}

// ValidateNATSURL performs basic validation on a comma-separated server list.
// It checks format but does not dial.
func ValidateNATSURL(raw string) error {
	if raw == "" {
		return ErrNoNATSURL
	}
	for _, part := range strings.Split(raw, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil {
			return errors.New("invalid NATS URL: " + err.Error())
		}
		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return errors.New("invalid NATS URL: expected nats://, tls://, ws:// or wss:// scheme")
		}
		if u.Host == "" {
			return errors.New("invalid NATS URL: missing host")
		}
	}
	return nil
}

// MaskURL hides credentials embedded in a server URL for display.
func MaskURL(raw string) string {
	if raw == "" {
		return "(not set)"
	}
	parts := strings.Split(raw, ",")
	for i, part := range parts {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil || u.User == nil {
			continue
		}
		// url.Userinfo would percent-encode the mask, so splice it in by hand.
		masked := "***"
		if _, hasPass := u.User.Password(); hasPass {
			masked = u.User.String()
			masked = masked[:strings.Index(masked, ":")] + ":***"
		}
		u.User = nil
		parts[i] = u.Scheme + "://" + masked + "@" + strings.TrimPrefix(u.String(), u.Scheme+"://")
	}
	return strings.Join(parts, ",")
}
