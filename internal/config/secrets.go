package config

import "net/url"

const redacted = "***"

// Redacted returns a copy of c with secrets replaced by "***", for logging
// the active configuration at startup.
func (c *Config) Redacted() Config {
	out := *c

	out.Postgres.DSN = redactDSN(c.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	out.Simulation.Outcomes = append([]string(nil), c.Simulation.Outcomes...)
	return out
}

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactDSN masks the password of a URL-style DSN. Anything that does not
// parse as a URL is masked whole.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
