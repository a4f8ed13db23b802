// Package logger wraps zap.SugaredLogger with the key/value style used
// throughout the processor, registry, executor and callback packages.
//
// The only secrets that pass through this module are outbound-request
// credentials: Authorization-style header values handed in via request
// options, API tokens in configuration, and proxy URLs that may embed basic
// auth in their userinfo. Those are scrubbed before any field reaches the
// sink; everything else (request IDs, hosts, durations) is operational data
// and logged as-is.
package logger

import (
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// Nop returns a logger that discards everything; useful as a safe default
// when a caller doesn't provide one.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	if l == nil || l.SugaredLogger == nil {
		return
	}
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(l.SugaredLogger.Debugw, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(l.SugaredLogger.Infow, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(l.SugaredLogger.Warnw, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(l.SugaredLogger.Errorw, msg, kv) }
func (l *Logger) Fatal(msg string, kv ...interface{}) { l.log(l.SugaredLogger.Fatalw, msg, kv) }

func (l *Logger) log(fn func(string, ...interface{}), msg string, kv []interface{}) {
	if l == nil || l.SugaredLogger == nil {
		return
	}
	fn(msg, scrubKVs(kv)...)
}

func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil || l.SugaredLogger == nil {
		return l
	}
	return &Logger{SugaredLogger: l.SugaredLogger.With(scrubKVs(kv)...)}
}

func scrubKVs(kv []interface{}) []interface{} {
	out := make([]interface{}, len(kv))
	copy(out, kv)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		out[i+1] = scrubValue(strings.ToLower(key), out[i+1])
	}
	return out
}

func scrubValue(key string, val interface{}) interface{} {
	if credentialKey(key) {
		return "[REDACTED]"
	}
	if urlKey(key) {
		if s, ok := val.(string); ok {
			return scrubURL(s)
		}
	}
	return val
}

// credentialKey matches the field names under which request/config
// credentials are ever logged: auth header names as they appear in request
// options, and the token knobs on Configuration.
func credentialKey(key string) bool {
	switch key {
	case "authorization", "proxy-authorization", "proxy_authorization",
		"x-api-key", "api_key", "token", "access_token", "secret", "password":
		return true
	default:
		return false
	}
}

func urlKey(key string) bool {
	switch key {
	case "url", "proxy_url", "location", "redirect_url":
		return true
	default:
		return false
	}
}

// scrubURL masks the password in a URL's userinfo, the one place a URL this
// module logs can carry a credential (proxy URLs support basic auth).
func scrubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
