package config

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Database.DSN)
	redact(&out.Redis.URL)
	redact(&out.NATS.URL)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	out.Auth.AdminKeys = make([]string, len(cfg.Auth.AdminKeys))
	for i, k := range cfg.Auth.AdminKeys {
		out.Auth.AdminKeys[i] = k
		redact(&out.Auth.AdminKeys[i])
	}
	redact(&out.Auth.PaymentsKey)

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
