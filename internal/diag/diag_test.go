package diag

import (
	"memdiag/internal/config"
	"memdiag/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(&config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
}
