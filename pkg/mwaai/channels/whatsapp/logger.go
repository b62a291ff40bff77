package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter routes whatsmeow's logger onto slog.
type slogAdapter struct {
	logger *slog.Logger
	module string
}

func newSlogAdapter(logger *slog.Logger, module string) waLog.Logger {
	return &slogAdapter{logger: logger, module: module}
}

func (a *slogAdapter) Debugf(msg string, args ...any) {
	a.logger.Debug(fmt.Sprintf(msg, args...), "module", a.module)
}

func (a *slogAdapter) Infof(msg string, args ...any) {
	a.logger.Info(fmt.Sprintf(msg, args...), "module", a.module)
}

// Warnf is logged at debug level: whatsmeow warns on routine protocol noise.
func (a *slogAdapter) Warnf(msg string, args ...any) {
	a.logger.Debug(fmt.Sprintf(msg, args...), "module", a.module, "wa_level", "warn")
}

func (a *slogAdapter) Errorf(msg string, args ...any) {
	a.logger.Error(fmt.Sprintf(msg, args...), "module", a.module)
}

func (a *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{logger: a.logger, module: a.module + "/" + module}
}
