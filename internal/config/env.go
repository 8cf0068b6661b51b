package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads environment variables from .env files in the working directory.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
	} else {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvList splits a comma-separated environment variable, dropping blanks.
func GetEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// applyEnv lets deployment environments override the file config.
func applyEnv(c *Config) {
	c.Reddit.Subreddits = GetEnvList("TARGET_SUBREDDITS", c.Reddit.Subreddits)
	c.Reddit.FetchLimit = GetEnvInt("POSTS_LIMIT", c.Reddit.FetchLimit)
	c.Digest.MaxCount = GetEnvInt("NEWSLETTER_POSTS_LIMIT", c.Digest.MaxCount)
	c.Digest.AllowAdult = GetEnvBool("INCLUDE_NSFW", c.Digest.AllowAdult)
	c.Digest.Title = GetEnv("NEWSLETTER_TITLE", c.Digest.Title)
	c.Digest.EditorName = GetEnv("NEWSLETTER_EDITOR_NAME", c.Digest.EditorName)
	c.Enrichment.Summaries = GetEnvBool("ENABLE_GPT_SUMMARIES", c.Enrichment.Summaries)
	c.Enrichment.EditorNote = GetEnvBool("ENABLE_EDITOR_SUMMARY", c.Enrichment.EditorNote)
	c.Enrichment.OpenAIBaseURL = GetEnv("OPENAI_API_BASE", c.Enrichment.OpenAIBaseURL)
	c.Enrichment.OpenAIModel = GetEnv("OPENAI_MODEL", c.Enrichment.OpenAIModel)
	c.Email.SMTPHost = GetEnv("SMTP_SERVER", c.Email.SMTPHost)
	c.Email.SMTPPort = GetEnvInt("SMTP_PORT", c.Email.SMTPPort)
	c.Email.Username = GetEnv("SMTP_USERNAME", c.Email.Username)
	c.Email.From = GetEnv("EMAIL_FROM", c.Email.From)
	c.Email.Recipients = GetEnvList("EMAIL_RECIPIENTS", c.Email.Recipients)
	c.Schedule.Time = GetEnv("SCHEDULE_TIME", c.Schedule.Time)
	c.Schedule.Days = GetEnvList("SCHEDULE_DAYS", c.Schedule.Days)
	c.Redis.Addr = GetEnv("REDIS_ADDR", c.Redis.Addr)
	c.Logging.Level = GetEnv("LOG_LEVEL", c.Logging.Level)
	if os.Getenv(c.Database.DSNEnv) != "" && strings.HasPrefix(os.Getenv(c.Database.DSNEnv), "postgres") {
		c.Database.Driver = "postgres"
	}
}
