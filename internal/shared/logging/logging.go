// Package logging configures logrus and scrubs institution output before it is logged.
package logging

import (
	"os"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// maxDetail bounds how much institution error text is kept in a log line.
const maxDetail = 256

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-._~+/]+=*)`),
	regexp.MustCompile(`(?i)("?(?:access_token|refresh_token|token|secret|client_secret|password|api_key|apikey|authorization)"?\s*[:=]\s*"?)([^"&,\s}]+)`),
}

// Setup configures the global logger. format is "json" or "text".
func Setup(level, format string) {
	log.SetOutput(os.Stdout)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
		log.WithField("level", level).Warn("Unknown log level, using info")
	}
	log.SetLevel(lvl)
}

// Sanitize redacts credentials from s and truncates it.
func Sanitize(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "${1}[REDACTED]")
	}
	if len(s) > maxDetail {
		s = s[:maxDetail] + "...(truncated)"
	}
	return s
}

// SanitizeError is Sanitize over err's message. A nil error yields "".
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}
