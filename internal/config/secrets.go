package config

import (
	"regexp"
	"slices"
)

// RedactedConfig returns a copy of cfg that is safe to log: credentials are
// replaced by "***" and slices are copied so the original cannot be
// mutated through it.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	out.Instruments = slices.Clone(cfg.Instruments)
	out.Redis.Addrs = slices.Clone(cfg.Redis.Addrs)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)

	for _, secret := range []*string{
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		redact(secret)
	}
	redactDSN(&out.Postgres.DSN)
	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

var dsnPassword = regexp.MustCompile(`(://[^:/@]+:)[^@]*@`)

// redactDSN masks only the password of a URL-style DSN so the host stays
// visible in logs. Other DSN forms are redacted whole.
func redactDSN(s *string) {
	if *s == "" {
		return
	}
	if dsnPassword.MatchString(*s) {
		*s = dsnPassword.ReplaceAllString(*s, "${1}"+redacted+"@")
		return
	}
	*s = redacted
}
