package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nebula-cloud/nebula/api"
	"github.com/nebula-cloud/nebula/catalog"
	"github.com/nebula-cloud/nebula/config"
	"github.com/nebula-cloud/nebula/handlers"
	"github.com/nebula-cloud/nebula/log"
	"github.com/nebula-cloud/nebula/queue"
	"github.com/nebula-cloud/nebula/store"
	"github.com/nebula-cloud/nebula/video"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	fs := flag.NewFlagSet("nebula-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	config.AddrFlag(fs, &cli.HTTPAddress, "http-addr", "0.0.0.0:8000", "Address to bind the Nebula API to")
	registerCommonFlags(fs, &cli)
	fs.StringVar(&cli.BatteryPath, "battery-path", "", "Host battery capacity file surfaced on /health, empty to disable")
	_ = fs.String("config", "", "config file (optional)")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarNoPrefix(),
	)
	if err != nil {
		fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}

	if *version {
		fmt.Printf("nebula-api version: %s\n", config.Version)
		return
	}
	if err := cli.Validate(); err != nil {
		fatalf("invalid configuration: %s", err)
	}

	cat, err := catalog.Connect(context.Background(), cli.DatabaseURL)
	if err != nil {
		fatalf("error connecting to catalog: %s", err)
	}
	defer cat.Close()

	objectStore, err := store.New(storeConfig(&cli))
	if err != nil {
		fatalf("error creating object store: %s", err)
	}
	if err := objectStore.EnsureBucket(context.Background()); err != nil {
		fatalf("error ensuring bucket: %s", err)
	}

	taskQueue, err := queue.New(queue.Config{URL: cli.RedisURL})
	if err != nil {
		fatalf("error connecting to broker: %s", err)
	}
	defer taskQueue.Close()

	nebulaHandlers := &handlers.NebulaAPIHandlersCollection{
		Catalog:     cat,
		Store:       objectStore,
		Queue:       taskQueue,
		Prober:      video.Probe{},
		BatteryPath: cli.BatteryPath,
	}

	// Cancelling the root context prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli.HTTPAddress, nebulaHandlers, log.NewLogger())
	})

	err = group.Wait()
	log.LogNoID("Shutdown complete", "reason", err)
}

// registerCommonFlags registers the settings both binaries share. With
// ff.WithEnvVarNoPrefix each flag binds to the uppercased env name, so
// -database-url is DATABASE_URL and -s3-endpoint is S3_ENDPOINT.
func registerCommonFlags(fs *flag.FlagSet, cli *config.Cli) {
	fs.StringVar(&cli.DatabaseURL, "database-url", "", "Postgres connection URL for the catalog")
	fs.StringVar(&cli.RedisURL, "redis-url", "", "Redis URL for the transcoding job queue")
	fs.StringVar(&cli.SecretKey, "secret-key", "", "Application secret key")

	fs.StringVar(&cli.S3Endpoint, "s3-endpoint", "", "Internal endpoint of the S3-compatible object store")
	fs.StringVar(&cli.S3AccessKey, "s3-access-key", "", "Object store access key")
	fs.StringVar(&cli.S3SecretKey, "s3-secret-key", "", "Object store secret key")
	fs.StringVar(&cli.S3Bucket, "s3-bucket", "", "Bucket holding all originals and variants")
	fs.StringVar(&cli.S3PresignEndpointLocal, "s3-presign-endpoint-local", "", "Public endpoint presigned URLs are signed against for LAN clients")
	fs.StringVar(&cli.S3PresignEndpointRemote, "s3-presign-endpoint-remote", "", "Public endpoint presigned URLs are signed against for remote clients")
	config.SecondsFlag(fs, &cli.S3PresignExpiry, "s3-presign-expires-seconds", 900*time.Second, "Lifetime of presigned URLs in seconds")
	fs.StringVar(&cli.S3PresignRegion, "s3-presign-region", "us-east-1", "Fixed signing region, avoids bucket-location lookups")
	fs.IntVar(&cli.S3PoolMaxSize, "s3-http-pool-maxsize", 32, "Max connections in the object store HTTP pool")
	config.SecondsFlag(fs, &cli.S3ConnectTimeout, "s3-http-connect-timeout", 5*time.Second, "Object store dial timeout in seconds")
	config.SecondsFlag(fs, &cli.S3ReadTimeout, "s3-http-read-timeout", 60*time.Second, "Object store response header timeout in seconds")
	fs.IntVar(&cli.S3TotalRetries, "s3-http-total-retries", 3, "Retries for object store requests")
	fs.Float64Var(&cli.S3BackoffFactor, "s3-http-backoff-factor", 0.2, "Initial retry backoff in seconds")
}

func storeConfig(cli *config.Cli) store.Config {
	return store.Config{
		Endpoint:              cli.S3Endpoint,
		AccessKey:             cli.S3AccessKey,
		SecretKey:             cli.S3SecretKey,
		Bucket:                cli.S3Bucket,
		Region:                cli.S3PresignRegion,
		PresignExpiry:         cli.S3PresignExpiry,
		PresignEndpointLocal:  cli.S3PresignEndpointLocal,
		PresignEndpointRemote: cli.S3PresignEndpointRemote,
		PoolMaxSize:           cli.S3PoolMaxSize,
		ConnectTimeout:        cli.S3ConnectTimeout,
		ReadTimeout:           cli.S3ReadTimeout,
		TotalRetries:          cli.S3TotalRetries,
		BackoffFactor:         cli.S3BackoffFactor,
	}
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			log.LogNoID("caught signal, attempting clean shutdown", "signal", s.String())
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}

func fatalf(format string, args ...interface{}) {
	log.LogNoID(fmt.Sprintf(format, args...))
	os.Exit(1)
}
