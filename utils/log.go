package utils

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: new(logrus.TextFormatter),
	Level:     logrus.InfoLevel,
}

// LogInit redirects the package logger to the given file, appending.
func LogInit(path string) error {
	logFile, err := os.OpenFile(os.ExpandEnv(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	Logger.Out = logFile
	return nil
}
