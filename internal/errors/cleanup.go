// Package errors provides best-effort cleanup helpers. Cleanup failures are
// logged and swallowed so they never replace the error that triggered them.
package errors

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
)

// DeferClose closes an io.Closer and logs a failure instead of returning it.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// BestEffort runs fn and logs its error at debug level.
// A panic inside fn is recovered and logged the same way.
func BestEffort(logger zerolog.Logger, msg string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Interface("panic", r).Msg(msg)
		}
	}()
	if err := fn(); err != nil {
		logger.Debug().Err(err).Msg(msg)
	}
}

// RemoveFile deletes path if it exists. It reports whether a file was removed.
// Missing files are not an error; any other failure is logged and swallowed.
func RemoveFile(logger zerolog.Logger, path string) bool {
	if path == "" {
		return false
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		return true
	case errors.Is(err, fs.ErrNotExist):
		return false
	default:
		logger.Debug().Err(err).Str("path", path).Msg("Failed to remove temporary file")
		return false
	}
}
