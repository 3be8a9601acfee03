// Package main starts a wfnetd server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/wfnet/wfnet/engine"
	enginehttp "github.com/wfnet/wfnet/engine/http"
	"github.com/wfnet/wfnet/logkeys"
	"github.com/wfnet/wfnet/netmodel"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/stdlogfmt"
	"github.com/oklog/ulid/v2"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "wfnet"
	apiRealm    = "wfnet"
)

func main() {
	var (
		flDebug   = flag.Bool("debug", false, "log debug messages")
		flListen  = flag.String("listen", ":9004", "HTTP listen address")
		flVersion = flag.Bool("version", false, "print version and exit")
		flAPIKey  = flag.String("api", "", "API key for API endpoints")
		flSpecDir = flag.String("spec-dir", "", "directory of net specification files to register at startup")
		flStorage = flag.String("storage", "file", "name of storage backend")
		flDSN     = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flWorkSec = flag.Uint("worker-interval", 300, "interval for worker in seconds")
		flRetSec  = flag.Uint("retention", 3600, "seconds terminal cases stay in memory")
	)
	envflag.Parse("WFNET_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	store, err := parseStorage(*flStorage, *flDSN)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	e := engine.New(store, engine.WithLogger(logger))

	ctx := context.Background()
	if *flSpecDir != "" {
		if err = registerSpecs(ctx, logger, e, *flSpecDir); err != nil {
			logger.Info(logkeys.Message, "registering specifications", logkeys.Error, err)
			os.Exit(1)
		}
	}

	// rebuild in-memory case state from the event log
	if err = e.Recover(ctx); err != nil {
		logger.Info(logkeys.Message, "recovering cases", logkeys.Error, err)
		os.Exit(1)
	}

	var eWorker *engine.Worker
	if *flWorkSec > 0 {
		eWorker = engine.NewWorker(
			e,
			engine.WithWorkerLogger(logger),
			engine.WithWorkerInterval(time.Second*time.Duration(*flWorkSec)),
			engine.WithWorkerRetention(time.Second*time.Duration(*flRetSec)),
		)
	}

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	if *flAPIKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})

			enginehttp.HandleAPIv1("/v1", mux, logger, e)
		})
	}

	if eWorker != nil {
		go func() {
			err := eWorker.Run(context.Background())
			logs := []interface{}{logkeys.Message, "engine worker stopped"}
			if err != nil {
				logger.Info(append(logs, logkeys.Error, err)...)
				return
			}
			logger.Debug(logs...)
		}()
	}

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// registerSpecs reads every specification file in dir and registers it.
func registerSpecs(ctx context.Context, logger log.Logger, e *engine.Engine, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading spec dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading spec file %s: %w", entry.Name(), err)
		}
		net, err := netmodel.Decode(b)
		if err != nil {
			return fmt.Errorf("decoding spec file %s: %w", entry.Name(), err)
		}
		if err = e.RegisterSpecification(ctx, net); err != nil {
			return fmt.Errorf("registering spec %s: %w", net.ID, err)
		}
		logger.Debug(
			logkeys.Message, "registered specification",
			logkeys.SpecID, net.ID,
			"file", entry.Name(),
		)
	}
	return nil
}

// newTraceID generates a new HTTP trace ID for context logging.
func newTraceID(_ *http.Request) string {
	return ulid.Make().String()
}
