// Copyright 2026 The DevFlow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package elog controls the engine's default logger. Every component logs
// through [log/slog]'s default logger after [Init] runs; elog only owns how
// that default logger is constructed.
package elog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/devflow-project/engine/internal/fspath"
)

const (
	defaultFilePerm os.FileMode = 0o600
	defaultDirPerm  os.FileMode = 0o700
)

// Config controls the default logger.
type Config struct {
	Format  string     `mapstructure:"format"` // "json" or "text"
	Output  string     `mapstructure:"output"` // "stdout", "stderr", or a file path
	Level   slog.Level `mapstructure:"level"`
	Enabled bool       `mapstructure:"enabled"`
}

// DefaultConfig returns the logging configuration used when none is
// supplied.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Format:  "json",
		Output:  "stderr",
		Level:   slog.LevelInfo,
	}
}

// Init builds the process-wide default logger from cfg and installs it via
// [slog.SetDefault]. debug forces verbose JSON output to stdout regardless
// of cfg.
func Init(cfg Config, debug bool) error {
	opts := &slog.HandlerOptions{
		AddSource:   false, // the wrapping handler adds source selectively
		Level:       cfg.Level,
		ReplaceAttr: replaceAttr,
	}

	if debug {
		opts.Level = slog.LevelDebug
		slog.SetDefault(slog.New(newHandler(slog.NewJSONHandler(os.Stdout, opts))))

		return nil
	}

	if !cfg.Enabled {
		slog.SetDefault(slog.New(slog.DiscardHandler))

		return nil
	}

	w, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}

	var h slog.Handler

	switch strings.ToLower(cfg.Format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json", "":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("%w: %s", errInvalidFormat, cfg.Format)
	}

	slog.SetDefault(slog.New(newHandler(h)))

	return nil
}

func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	default:
		path := fspath.Path(output)

		if err := os.MkdirAll(string(path.Dir()), defaultDirPerm); err != nil {
			return nil, fmt.Errorf("failed to create directory %q for log output: %w", path.Dir(), err)
		}

		fw, err := os.OpenFile(path.String(), os.O_WRONLY|os.O_APPEND|os.O_CREATE, defaultFilePerm)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file at %s: %w", path.String(), err)
		}

		return fw, nil
	}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		src, ok := a.Value.Any().(*slog.Source)
		if !ok || src == nil || src.Line == 0 {
			return slog.Attr{} //nolint:exhaustruct
		}
	}

	return a
}
