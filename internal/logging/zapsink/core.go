package zapsink

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// Core is a zapcore.Core that turns every entry into a LogRecord and hands it
// to a pipeline. Logger names become record tags.
//
// Do not attach it to the logger the pipeline itself logs through: delivery
// failures would feed records back into the queue.
type Core struct {
	zapcore.LevelEnabler
	sink   logging.RecordSink
	fields []zapcore.Field
}

func NewCore(sink logging.RecordSink, enab zapcore.LevelEnabler) *Core {
	return &Core{LevelEnabler: enab, sink: sink}
}

// NewLogger is a shortcut for a logger writing only to the pipeline.
func NewLogger(sink logging.RecordSink, enab zapcore.LevelEnabler, opts ...zap.Option) *zap.Logger {
	return zap.New(NewCore(sink, enab), opts...)
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := &Core{
		LevelEnabler: c.LevelEnabler,
		sink:         c.sink,
		fields:       make([]zapcore.Field, 0, len(c.fields)+len(fields)),
	}
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	if ent.Caller.Defined {
		enc.Fields["caller"] = ent.Caller.TrimmedPath()
	}
	if ent.Stack != "" {
		enc.Fields["stack"] = ent.Stack
	}

	return c.sink.Enqueue(logging.NewRecordAt(ent.Time, Level(ent.Level), ent.LoggerName, ent.Message, enc.Fields))
}

// Sync is a no-op; delivery is owned by the pipeline.
func (c *Core) Sync() error {
	return nil
}

// Level maps a zap level onto the pipeline's severity scale.
func Level(l zapcore.Level) logging.Level {
	switch {
	case l < zapcore.DebugLevel:
		return logging.Trace
	case l == zapcore.DebugLevel:
		return logging.Debug
	case l == zapcore.InfoLevel:
		return logging.Info
	case l == zapcore.WarnLevel:
		return logging.Warn
	case l == zapcore.ErrorLevel:
		return logging.Error
	default:
		return logging.Fatal
	}
}
