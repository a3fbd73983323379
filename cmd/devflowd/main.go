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

// Command devflowd hosts the polyglot plugin execution engine: it runs the
// Initialization Hosted Task once at startup, then serves executions until
// signaled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/devflow-project/engine/internal/depcache"
	"github.com/devflow-project/engine/internal/dispatch"
	"github.com/devflow-project/engine/internal/econfig"
	"github.com/devflow-project/engine/internal/elog"
	"github.com/devflow-project/engine/internal/execution"
	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/hostedtask"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/panichandler"
	"github.com/devflow-project/engine/internal/registrystore"
	"github.com/devflow-project/engine/internal/resolver"
	"github.com/devflow-project/engine/internal/resolver/registry"
	"github.com/devflow-project/engine/internal/runtimemgr/compiled"
	"github.com/devflow-project/engine/internal/runtimemgr/interpreted"
	"github.com/devflow-project/engine/internal/runtimemgr/transpiled"
	"github.com/devflow-project/engine/internal/security"
	"github.com/devflow-project/engine/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	defer panichandler.Handle()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	panichandler.SetCancel(cancel)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	handlePanic := panichandler.WithStackTrace()

	go func() {
		defer handlePanic()

		<-sigc
		cancel()
	}()

	flagSet := pflag.NewFlagSet("devflowd", pflag.ContinueOnError)

	configPath := flagSet.String("config", "devflow.toml", "path to the engine configuration file")
	debug := flagSet.Bool("debug", false, "enable verbose debug logging")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		return 1
	}

	cfg, err := econfig.Load(fspath.Path(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading configuration: %v\n", err)

		return 1
	}

	logCfg := elog.DefaultConfig()
	if err := elog.Init(logCfg, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error: initializing logger: %v\n", err)

		return 1
	}

	slog.InfoContext(ctx, "starting devflowd", "version", version.Version())

	store := registrystore.New()

	sources := map[manifest.DependencyKind]string{
		manifest.DependencyEcosystemA: cfg.RegistrySources["packageA"],
		manifest.DependencyEcosystemB: cfg.RegistrySources["packageB"],
		manifest.DependencyEcosystemC: cfg.RegistrySources["packageC"],
	}

	res := resolver.New(depcache.New(cfg.CacheRoot), registry.NewHTTPClient(0), store, sources)

	factory := dispatch.NewFactory(
		compiled.New(cfg.CacheRoot.Join("runtime-c")),
		transpiled.New(cfg.CacheRoot.Join("runtime-t")),
		interpreted.New(cfg.CacheRoot.Join("runtime-i")),
	)
	composite := dispatch.NewComposite(factory)

	secMgr := security.NewManager()
	svc := execution.New(store, res, composite, secMgr, cfg)

	result, err := hostedtask.Run(ctx, cfg.PluginPaths, store, composite)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: initializing engine: %v\n", err)

		return 1
	}

	for _, w := range result.Warnings {
		slog.WarnContext(ctx, "plugin discovery warning", "err", w)
	}

	slog.InfoContext(ctx, "engine ready", "plugins", len(result.Plugins))

	for _, p := range result.Plugins {
		record, err := svc.GetPluginCapabilities(p.ID)
		if err != nil {
			slog.WarnContext(ctx, "capability query failed", "plugin", p.Name, "err", err)

			continue
		}

		slog.InfoContext(ctx, "plugin capabilities",
			"plugin", p.Name, "language", record.Language, "executable", record.Executable, "runtime", record.RuntimeID)
	}

	<-ctx.Done()

	slog.InfoContext(ctx, "devflowd shutting down")

	return 0
}
