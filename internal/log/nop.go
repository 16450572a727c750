package log

import "context"

// nopLogger discards everything. Constructors default to it so a nil
// Options.Logger never panics.
type nopLogger struct{}

func (nopLogger) With(kv ...any) Logger                               { return nopLogger{} }
func (nopLogger) Debug(ctx context.Context, msg string, kv ...any)   {}
func (nopLogger) Info(ctx context.Context, msg string, kv ...any)    {}
func (nopLogger) Warn(ctx context.Context, msg string, kv ...any)    {}
func (nopLogger) Error(ctx context.Context, _ error, msg string, kv ...any) {
}
func (nopLogger) Sync() error { return nil }

// Nop returns a Logger that does nothing.
func Nop() Logger { return nopLogger{} }
