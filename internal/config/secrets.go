package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by "***".
// Slices and maps are copied so the result can be logged or mutated freely.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Keystore.Passphrase)
	redact(&out.Venue.APIKey)
	redact(&out.Venue.APISecret)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Keystore.Actors = cloneStrings(cfg.Keystore.Actors)
	out.Keystore.Active = cloneStrings(cfg.Keystore.Active)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	if cfg.Phases != nil {
		out.Phases = maps.Clone(cfg.Phases)
	}
	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
