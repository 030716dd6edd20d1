package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/presets"
)

const (
	exitUsage   = 64
	exitAcquire = 2
	exitRelease = 3
)

var (
	redisAddrs = flag.String("redis", "localhost:6379", "Comma-separated Redis servers; more than one forms a quorum")
	password   = flag.String("password", "", "Redis password")
	name       = flag.String("name", "", "Lock name")
	acquire    = flag.Duration("acquire", presets.DefaultAcquireTimeout, "Maximum time spent acquiring the lock (0 tries once)")
	expire     = flag.Duration("expire", presets.DefaultExpireTimeout, "Maximum time the lock is held before it expires")
	breaker    = flag.Int("breaker", 0, "Consecutive failures before a server is skipped (0 disables)")
	traceOut   = flag.Bool("trace", false, "Print OpenTelemetry spans to stdout")
	verbose    = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: lockctl -name NAME [flags] -- command [args...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	os.Exit(run(flag.Args()))
}

func run(args []string) int {
	servers := parseServers(*redisAddrs)
	if *name == "" || len(args) == 0 || len(servers) == 0 {
		flag.Usage()
		return exitUsage
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("owner", uuid.NewString(), "lock", *name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []mutex.Option{mutex.WithLogger(logger)}
	if *traceOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Error("trace exporter", "error", err)
			return 1
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, mutex.WithTracing())
	}

	m := newMutex(servers, logger, opts)
	code, err := mutex.Do(ctx, m, func(ctx context.Context) (int, error) {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		err := cmd.Run()
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return ee.ExitCode(), nil
		}
		return 0, err
	})
	switch {
	case muterrors.IsAcquire(err):
		logger.Error("lock not acquired", "error", err)
		return exitAcquire
	case muterrors.IsRelease(err):
		logger.Error("lock not released cleanly", "error", err)
		return exitRelease
	case err != nil:
		logger.Error("command failed", "error", err)
		return 1
	}
	return code
}

func parseServers(addrs string) []presets.RedisOptions {
	var servers []presets.RedisOptions
	for _, addr := range strings.Split(addrs, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			servers = append(servers, presets.RedisOptions{Addr: addr, Password: *password})
		}
	}
	return servers
}

func newMutex(servers []presets.RedisOptions, logger *slog.Logger, opts []mutex.Option) mutex.Mutex {
	t := presets.Timeouts{Acquire: *acquire, Expire: *expire}
	flag.Visit(func(f *flag.Flag) {
		// an explicit -acquire 0 means a single attempt
		if f.Name == "acquire" && *acquire == 0 {
			t.NoWait = true
		}
	})
	if len(servers) == 1 {
		return presets.NewRedisMutex(*name, servers[0], t, opts...)
	}
	logger.Debug("using redis quorum", "servers", len(servers), "majority", len(servers)/2+1)
	q := presets.QuorumOptions{
		BreakerThreshold: *breaker,
		Concurrent:       true,
		Logger:           logger,
	}
	if q.BreakerThreshold > 0 {
		q.BreakerCooldown = *expire
	}
	return presets.NewRedisQuorum(*name, servers, t, q, opts...)
}
