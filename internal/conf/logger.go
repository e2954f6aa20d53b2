package conf

import "github.com/tphakala/feedimages/internal/logger"

// GetLogger returns the config package logger. It is fetched from the global
// logger each time because the central logger is configured after Load.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
