package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/api/server"
	"github.com/ruteri/identity-recovery-backend/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:      cCtx.Bool(LogDebugFlag.Name),
		JSON:       cCtx.Bool(LogJsonFlag.Name),
		Service:    cCtx.String(LogServiceFlag.Name),
		Version:    common.Version,
		File:       cCtx.String(LogFileFlag.Name),
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server config. Explicit flags win over cfg.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, cfg common.Config) *server.HTTPServerConfig {
	listenAddr := cfg.ListenAddr
	if cCtx.IsSet(ListenAddrFlag.Name) {
		listenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	metricsAddr := cfg.MetricsAddr
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		metricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}

	return &server.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to a TOML config file",
}

var EnvPrefixFlag = &cli.StringFlag{
	Name:  "env-prefix",
	Value: "RECOVERY_",
	Usage: "prefix of environment variables overriding the config file",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}
var LogFileFlag = &cli.StringFlag{
	Name:  "log-file",
	Usage: "write logs to a rotating file instead of stdout",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	LogFileFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
