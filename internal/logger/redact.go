package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field keys that must never reach a log sink in the clear.
var defaultSensitiveKeys = []string{
	"password",
	"token",
	"refresh_token",
	"access_token",
	"api_key",
	"secret",
	"authorization",
}

// RedactingCore wraps a zapcore.Core and masks sensitive field values
// before they are written.
type RedactingCore struct {
	zapcore.Core
	keys []string
	mask string
}

func NewRedactingCore(core zapcore.Core, keys []string, mask string) *RedactingCore {
	return &RedactingCore{Core: core, keys: keys, mask: mask}
}

func (c *RedactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &RedactingCore{
		Core: c.Core.With(c.redact(fields)),
		keys: c.keys,
		mask: c.mask,
	}
}

func (c *RedactingCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *RedactingCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(entry, c.redact(fields))
}

func (c *RedactingCore) Sync() error {
	return c.Core.Sync()
}

func (c *RedactingCore) redact(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	copy(out, fields)
	for i, f := range out {
		for _, key := range c.keys {
			if strings.EqualFold(f.Key, key) {
				out[i] = zap.String(f.Key, c.mask)
				break
			}
		}
	}
	return out
}
