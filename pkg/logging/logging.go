/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging bootstraps the logr.Logger every loop package reads
// back out via sigs.k8s.io/controller-runtime/pkg/log.FromContext.
// There is no other logging entry point in this module: callers build
// one here, install it, and thread the resulting context through.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"
)

// Mode selects a zap preset. Production uses JSON output at info
// level; Development uses console output at debug level with
// stacktraces on warn and above.
type Mode int

const (
	Production Mode = iota
	Development
)

// New builds a logr.Logger backed by zap and installs it as the
// default controller-runtime logger, so every package's
// log.FromContext(ctx) call resolves to it even before a caller-built
// context carrying a logger reaches them.
func New(mode Mode) (logr.Logger, error) {
	var cfg zap.Config
	switch mode {
	case Development:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		cfg = zap.NewProductionConfig()
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}

	logger := zapr.NewLogger(zl)
	crlog.SetLogger(logger)
	return logger, nil
}

// IntoContext is a thin re-export of controller-runtime's helper so
// callers need only import this package to both build and thread a
// logger.
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return crlog.IntoContext(ctx, logger)
}
