package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"mon": true, "tue": true, "wed": true, "thu": true, "fri": true, "sat": true, "sun": true,
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Reddit.Subreddits) == 0 && len(c.Feeds) == 0 {
		add("reddit.subreddits: at least one community or feed is required")
	}
	if c.Reddit.FetchLimit < 1 || c.Reddit.FetchLimit > 100 {
		add("reddit.fetch_limit: must be between 1 and 100, got %d", c.Reddit.FetchLimit)
	}
	for _, f := range c.Feeds {
		if f.URL == "" {
			add("feeds: entry %q has no url", f.Name)
		}
	}

	if c.Digest.MaxCount < 0 {
		add("digest.max_count: must not be negative, got %d", c.Digest.MaxCount)
	}
	if c.Digest.RetentionDays < 1 {
		add("digest.retention_days: must be at least 1, got %d", c.Digest.RetentionDays)
	}
	switch c.Digest.OnStoreError {
	case "assume_new", "fail_closed":
	default:
		add("digest.on_store_error: must be assume_new or fail_closed, got %q", c.Digest.OnStoreError)
	}

	switch strings.ToLower(strings.TrimSpace(c.Enrichment.Provider)) {
	case "openai", "ollama", "none", "":
	default:
		add("enrichment.provider: unknown provider %q", c.Enrichment.Provider)
	}

	if c.Email.SMTPHost == "" {
		add("email.smtp_host: required")
	}
	if c.Email.SMTPPort <= 0 {
		add("email.smtp_port: must be positive")
	}
	if c.Email.UseSSL && c.Email.UseTLS {
		add("email: use_ssl and use_tls are mutually exclusive")
	}
	if c.Email.From == "" {
		add("email.from: required")
	} else if _, err := mail.ParseAddress(c.Email.From); err != nil {
		add("email.from: invalid address %q", c.Email.From)
	}
	if len(c.Email.Recipients) == 0 {
		add("email.recipients: at least one recipient is required")
	}
	for _, r := range c.Email.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			add("email.recipients: invalid address %q", r)
		}
	}

	if c.Schedule.Cron == "" && c.Schedule.Interval == "" {
		if _, err := time.Parse("15:04", c.Schedule.Time); err != nil {
			add("schedule.time: expected HH:MM, got %q", c.Schedule.Time)
		}
	}
	if c.Schedule.Interval != "" {
		if d, err := time.ParseDuration(c.Schedule.Interval); err != nil || d <= 0 {
			add("schedule.interval: invalid duration %q", c.Schedule.Interval)
		}
	}
	for _, d := range c.Schedule.Days {
		if !weekdays[strings.ToLower(d)] {
			add("schedule.days: unknown weekday %q", d)
		}
	}
	if _, err := c.Schedule.Location(); err != nil {
		add("schedule.timezone: %v", err)
	}

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.DatabaseDSN() == "" {
			add("database.dsn: required for postgres (or set %s)", c.Database.DSNEnv)
		}
	default:
		add("database.driver: must be sqlite or postgres, got %q", c.Database.Driver)
	}

	return errors.Join(errs...)
}

// Summary renders the effective configuration without secrets.
func (c *Config) Summary() string {
	setOrNot := func(v string) string {
		if v == "" {
			return "not set"
		}
		return "set"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Communities: %s\n", strings.Join(c.Reddit.Subreddits, ", "))
	fmt.Fprintf(&b, "Feeds: %d\n", len(c.Feeds))
	fmt.Fprintf(&b, "Fetch limit: %d per community (last %dh)\n", c.Reddit.FetchLimit, c.Reddit.WindowHours)
	fmt.Fprintf(&b, "Reddit OAuth: %s\n", setOrNot(envOrEmpty(c.Reddit.ClientIDEnv)))
	fmt.Fprintf(&b, "Digest: %q, max %d items, adult content allowed: %t\n", c.Digest.Title, c.Digest.MaxCount, c.Digest.AllowAdult)
	fmt.Fprintf(&b, "Enrichment: provider %s, summaries %t, editor note %t, api key %s\n",
		c.Enrichment.Provider, c.Enrichment.Summaries, c.Enrichment.EditorNote, setOrNot(envOrEmpty(c.Enrichment.APIKeyEnv)))
	fmt.Fprintf(&b, "SMTP: %s:%d (ssl %t, starttls %t), password %s\n",
		c.Email.SMTPHost, c.Email.SMTPPort, c.Email.UseSSL, c.Email.UseTLS, setOrNot(c.SMTPPassword()))
	fmt.Fprintf(&b, "Recipients: %d\n", len(c.Email.Recipients))
	switch {
	case c.Schedule.Cron != "":
		fmt.Fprintf(&b, "Schedule: cron %q (%s)\n", c.Schedule.Cron, c.Schedule.Timezone)
	case c.Schedule.Interval != "":
		fmt.Fprintf(&b, "Schedule: every %s\n", c.Schedule.Interval)
	default:
		days := "every day"
		if len(c.Schedule.Days) > 0 {
			days = strings.Join(c.Schedule.Days, ", ")
		}
		fmt.Fprintf(&b, "Schedule: %s at %s (%s)\n", days, c.Schedule.Time, c.Schedule.Timezone)
	}
	fmt.Fprintf(&b, "Database: %s\n", c.Database.Driver)
	if c.Redis.Addr != "" {
		fmt.Fprintf(&b, "Run lock: redis %s\n", c.Redis.Addr)
	} else {
		fmt.Fprintln(&b, "Run lock: in-process")
	}
	return b.String()
}
