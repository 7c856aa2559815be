// Package config reads process configuration from environment variables.
// It is only used by the cmd packages.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wa-inbox/internal/domain"
)

const (
	BackendSheets   = "sheets"
	BackendDynamoDB = "dynamodb"
)

// Config holds every non-secret setting. Secrets (the messaging token and
// the service-account credentials) are resolved lazily by internal/secrets.
type Config struct {
	PhoneNumberID      string
	SpreadsheetID      string
	SheetRange         string
	Convention         domain.Convention
	BotID              string
	TableBackend       string
	StateTable         string
	ParamPrefix        string
	CredentialsFile    string
	WhatsAppBaseURL    string
	WhatsAppAPIVersion string
	SendRatePerSec     float64
	Port               string
	LogLevel           string
	LogFormat          string
	CSVExportURL       string
	PollInterval       time.Duration
	PollMinInterval    time.Duration
	Timezone           string
}

// Load reads the environment through getenv and applies defaults. It only
// fails on malformed values; use RequireRelay or RequireInbox for presence.
func Load(getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	c := Config{
		PhoneNumberID:      env("WHATSAPP_PHONE_NUMBER_ID", ""),
		SpreadsheetID:      env("GOOGLE_SPREADSHEET_ID", ""),
		SheetRange:         env("SHEET_RANGE", "Sheet1!A:D"),
		BotID:              env("BOT_IDENTIFIER", ""),
		TableBackend:       strings.ToLower(env("TABLE_BACKEND", BackendSheets)),
		StateTable:         env("STATE_TABLE", ""),
		ParamPrefix:        env("PARAM_PREFIX", ""),
		CredentialsFile:    env("GOOGLE_CREDENTIALS_FILE", ""),
		WhatsAppBaseURL:    env("WHATSAPP_API_BASE_URL", ""),
		WhatsAppAPIVersion: env("WHATSAPP_API_VERSION", ""),
		Port:               env("PORT", "3001"),
		LogLevel:           env("LOG_LEVEL", "info"),
		LogFormat:          env("LOG_FORMAT", ""),
		CSVExportURL:       env("CSV_EXPORT_URL", ""),
		Timezone:           env("INBOX_TIMEZONE", "Asia/Kolkata"),
	}

	var errs []error
	conv, err := domain.ParseConvention(getenv("ROW_CONVENTION"))
	if err != nil {
		errs = append(errs, fmt.Errorf("ROW_CONVENTION: %w", err))
	}
	c.Convention = conv

	switch c.TableBackend {
	case BackendSheets, BackendDynamoDB:
	default:
		errs = append(errs, fmt.Errorf("TABLE_BACKEND: unknown backend %q", c.TableBackend))
	}

	if raw := env("SEND_RATE_PER_SEC", ""); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			errs = append(errs, fmt.Errorf("SEND_RATE_PER_SEC: invalid value %q", raw))
		}
		c.SendRatePerSec = v
	}

	c.PollInterval, err = duration(env("POLL_INTERVAL", "5s"))
	if err != nil {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL: %w", err))
	}
	c.PollMinInterval, err = duration(env("POLL_MIN_INTERVAL", "0s"))
	if err != nil {
		errs = append(errs, fmt.Errorf("POLL_MIN_INTERVAL: %w", err))
	}

	if c.Convention == domain.ConventionPrefix && c.BotID == "" {
		errs = append(errs, errors.New("BOT_IDENTIFIER: required by the prefix row convention"))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return c, nil
}

// RequireRelay checks the settings the send and read endpoints need.
func (c Config) RequireRelay() error {
	var missing []string
	if c.PhoneNumberID == "" {
		missing = append(missing, "WHATSAPP_PHONE_NUMBER_ID")
	}
	if c.SpreadsheetID == "" {
		missing = append(missing, "GOOGLE_SPREADSHEET_ID")
	}
	if c.TableBackend == BackendDynamoDB && c.StateTable == "" {
		missing = append(missing, "STATE_TABLE")
	}
	return missingErr(missing)
}

// RequireInbox checks the settings the polling client needs.
func (c Config) RequireInbox() error {
	if c.CSVExportURL == "" {
		return missingErr([]string{"CSV_EXPORT_URL"})
	}
	return nil
}

// Codec returns the row codec for the configured convention.
func (c Config) Codec() domain.Codec {
	return domain.Codec{Convention: c.Convention, BotID: c.BotID}
}

// Location loads the configured display time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: INBOX_TIMEZONE: %w", err)
	}
	return loc, nil
}

func missingErr(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return fmt.Errorf("config: required environment variable not set: %s", strings.Join(keys, ", "))
}

// duration accepts Go duration strings and bare seconds.
func duration(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", raw)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
