package infra

import (
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof on the default mux

	"github.com/grafana/pyroscope-go"
)

// StartProfiling starts the local pprof server and, when configured, continuous
// profiling to a Pyroscope server. The returned func stops the latter.
func StartProfiling(cfg *Config) (func(), error) {
	if addr := cfg.Profiling.PprofAddr; addr != "" {
		go func() {
			// Localhost only for security
			slog.Info("🕵️ Pprof server started", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	if cfg.Profiling.PyroscopeURL == "" {
		return func() {}, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.Profiling.AppName,
		ServerAddress:   cfg.Profiling.PyroscopeURL,
		Tags: map[string]string{
			"feed":    cfg.Feed.Venue,
			"dry_run": fmt.Sprint(cfg.Trading.DryRun),
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pyroscope start failed: %w", err)
	}
	slog.Info("Continuous profiling enabled", slog.String("server", cfg.Profiling.PyroscopeURL))

	return func() { _ = profiler.Stop() }, nil
}
