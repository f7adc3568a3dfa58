// Command collector launches the telemetry ingestion server.
// Wiring (flag parsing, config load, backend/auth provider selection) is
// kept deliberately minimal, mirroring the reduced shape of reva's own
// launcher without its subcommand tree.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mobile-measure/collector/pkg/auth"
	_ "github.com/mobile-measure/collector/pkg/auth/mocked"
	_ "github.com/mobile-measure/collector/pkg/auth/oidc"
	_ "github.com/mobile-measure/collector/pkg/auth/staticjwk"
	"github.com/mobile-measure/collector/pkg/config"
	"github.com/mobile-measure/collector/pkg/logger"
	serverpkg "github.com/mobile-measure/collector/pkg/server"
	"github.com/mobile-measure/collector/pkg/storage"
	"github.com/mobile-measure/collector/pkg/storage/cloudobject"
	"github.com/mobile-measure/collector/pkg/storage/gridfs"
	"github.com/mobile-measure/collector/pkg/storage/metadoc"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: collector <config.toml>")
		os.Exit(1)
	}

	if err := config.MustExist(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	opts, err := config.Load(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	log := logger.New(logger.Conf{Level: opts.Log.Level, Mode: opts.Log.Mode, Output: opts.Log.Output})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := buildBackend(ctx, opts)
	if err != nil {
		log.Error().Err(err).Msg("could not build storage backend")
		os.Exit(1)
	}

	authProvider, err := auth.New(opts.AuthType, authConfigMap(opts))
	if err != nil {
		log.Error().Err(err).Msg("could not build auth provider")
		os.Exit(1)
	}

	srv := serverpkg.New(opts, log, backend, authProvider)

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func authConfigMap(opts config.Options) map[string]interface{} {
	return map[string]interface{}{
		"callback": opts.OAuth.Callback,
		"client":   opts.OAuth.Client,
		"secret":   opts.OAuth.Secret,
		"site":     opts.OAuth.Site,
		"tenant":   opts.OAuth.Tenant,
	}
}

func buildBackend(ctx context.Context, opts config.Options) (storage.Backend, error) {
	switch opts.StorageType {
	case "gridfs":
		db, err := connectMongo(opts)
		if err != nil {
			return nil, err
		}
		return gridfs.New(ctx, gridfs.Conf{UploadsFolder: opts.GridFS.UploadsFolder}, db, opts.Mongo.Collection)
	case "google":
		db, err := connectMongo(opts)
		if err != nil {
			return nil, err
		}
		docs, err := metadoc.NewStore(ctx, db.Collection(opts.Google.CollectionName))
		if err != nil {
			return nil, err
		}

		awsSess, err := awssession.NewSession()
		if err != nil {
			return nil, err
		}
		client := s3.New(awsSess, aws.NewConfig().WithRegion("auto"))
		return cloudobject.New(cloudobject.Conf{
			BucketName: opts.Google.BucketName,
			PagingSize: int64(opts.Google.PagingSize),
		}, client, docs), nil
	default:
		return nil, fmt.Errorf("unrecognized storage-type %q", opts.StorageType)
	}
}

func connectMongo(opts config.Options) (*mongo.Database, error) {
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(opts.Mongo.URI))
	if err != nil {
		return nil, err
	}
	return client.Database(opts.Mongo.Database), nil
}
