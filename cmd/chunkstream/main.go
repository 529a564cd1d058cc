package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"runtime"
	"syscall"

	"github.com/chunkstream/chunkstream/internal/database"
	"github.com/chunkstream/chunkstream/internal/janitor"
	"github.com/chunkstream/chunkstream/internal/storage"
	"github.com/chunkstream/chunkstream/internal/webserver"
	"github.com/chunkstream/chunkstream/pkg/chunker"
	"github.com/chunkstream/chunkstream/pkg/client"
	"github.com/mdouchement/logger"
	"github.com/ncw/swift/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const dbname = "chunkstream.db"

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"

	binding string
	port    string

	serverURL   string
	concurrency int
	chunkSize   int64
)

func main() {
	c := &cobra.Command{
		Use:     "chunkstream",
		Short:   "Resumable chunked uploads to object storage",
		Version: fmt.Sprintf("%s - build %.7s @ %s - %s", version, revision, date, runtime.Version()),
		Args:    cobra.ExactArgs(0),
	}
	c.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Version for chunkstream",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(c.Version)
		},
	})
	c.AddCommand(initCmd)
	c.AddCommand(reindexCmd)

	serverCmd.Flags().StringVarP(&binding, "binding", "b", "0.0.0.0", "Server's binding")
	serverCmd.Flags().StringVarP(&port, "port", "p", "5000", "Server's port")
	c.AddCommand(serverCmd)

	for _, cmd := range []*cobra.Command{uploadCmd, statusCmd} {
		cmd.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:5000", "Server's URL")
	}
	uploadCmd.Flags().IntVarP(&concurrency, "concurrency", "c", client.DefaultConcurrency, "Simultaneous chunk uploads")
	uploadCmd.Flags().Int64Var(&chunkSize, "chunk-size", chunker.DefaultChunkSize, "Chunk size in bytes")
	c.AddCommand(uploadCmd)
	c.AddCommand(statusCmd)

	if err := c.Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}

var (
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Init the database",
		Args:  cobra.ExactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			return database.StormInit(nameWithEnv("DATABASE_PATH", dbname))
		},
	}

	//

	reindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Reindex the database",
		Args:  cobra.ExactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			return database.StormReIndex(nameWithEnv("DATABASE_PATH", dbname))
		},
	}

	//

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Start server",
		Args:  cobra.ExactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			ctrl := webserver.Controller{
				Version: c.Parent().Version,
				Token:   os.Getenv("CHUNKSTREAM_TOKEN"),
			}

			//

			log := newLogrus()
			ctrl.Logger = logger.WrapLogrus(log)

			//

			db, err := database.StormOpen(nameWithEnv("DATABASE_PATH", dbname))
			if err != nil {
				return errors.Wrap(err, "could not open database")
			}
			defer db.Close()
			ctrl.Database = db

			//

			ctrl.Storage, err = newStorage(c.Context())
			if err != nil {
				return err
			}

			//

			janitor.Start(janitor.Controller{
				Logger:        ctrl.Logger,
				Database:      ctrl.Database,
				Storage:       ctrl.Storage,
				Specification: envORdefault("JANITOR_SPECIFICATION", "@every 5m"),
			})

			//

			engine := webserver.EchoEngine(ctrl)
			webserver.PrintRoutes(engine)

			listen := fmt.Sprintf("%s:%s", binding, port)
			log.Printf("Server listening on %s", listen)
			return errors.Wrap(
				engine.Start(listen),
				"could not run server",
			)
		},
	}

	//

	uploadCmd = &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a file, resuming any previous attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			log := logger.WrapLogrus(newLogrus())

			// SIGINT pauses the transfer; a later run resumes it.
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c := client.New(serverURL,
				client.WithLogger(log),
				client.WithConcurrency(concurrency),
				client.WithChunkSize(chunkSize),
				client.WithToken(os.Getenv("CHUNKSTREAM_TOKEN")),
			)

			result, err := c.Upload(ctx, args[0], func(fraction float64) {
				log.Infof("progress: %3.0f%%", fraction*100)
			})
			if errors.Is(err, context.Canceled) {
				// Paused. Rerun the command to resume.
				return nil
			}
			if err != nil {
				return err
			}

			log.Infof("uploaded as %s", result.FinalObjectKey)
			return nil
		},
	}

	//

	statusCmd = &cobra.Command{
		Use:   "status FILE",
		Short: "Show the resume state of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			info, err := os.Stat(args[0])
			if err != nil {
				return errors.Wrap(err, "could not stat file")
			}

			fingerprint := chunker.FileFingerprint(info.Name(), info.Size(), info.ModTime().UnixMilli())
			total := chunker.Count(info.Size(), chunker.DefaultChunkSize)

			c := client.New(serverURL, client.WithToken(os.Getenv("CHUNKSTREAM_TOKEN")))
			status, err := c.Status(context.Background(), fingerprint)
			if err != nil {
				return err
			}

			fmt.Printf("%s: %d/%d chunks uploaded %v\n",
				info.Name(), status.UploadedChunkCount, total, status.UploadedChunkIndices)
			return nil
		},
	}
)

func newStorage(ctx context.Context) (storage.Backend, error) {
	switch backend := envORdefault("STORAGE_BACKEND", "file_system"); backend {
	case "file_system":
		return storage.NewFileSystem(envORdefault("STORAGE_PATH", "storage")), nil
	case "s3":
		return storage.NewS3FromParams(ctx, storage.S3Params{
			Region:          os.Getenv("S3_REGION"),
			Bucket:          os.Getenv("S3_BUCKET"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		})
	case "swift":
		conn := &swift.Connection{
			AuthUrl:  os.Getenv("SWIFT_AUTH_URL"),
			UserName: os.Getenv("SWIFT_USERNAME"),
			ApiKey:   os.Getenv("SWIFT_API_KEY"),
			Tenant:   os.Getenv("SWIFT_TENANT"),
			Domain:   envORdefault("SWIFT_DOMAIN", "Default"),
			Region:   os.Getenv("SWIFT_REGION"),
		}
		if err := conn.Authenticate(ctx); err != nil {
			return nil, errors.Wrap(err, "could not authenticate against swift")
		}

		return storage.NewSwift(conn,
			envORdefault("SWIFT_CONTAINER", "chunkstream"),
			envORdefault("SWIFT_SEGMENTS_CONTAINER", "chunkstream-segments"),
		), nil
	default:
		return nil, errors.Errorf("unknown storage backend: %s", backend)
	}
}

func newLogrus() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logger.LogrusTextFormatter{
		DisableColors:   false,
		ForceColors:     true,
		ForceFormatting: true,
		PrefixRE:        regexp.MustCompile(`^(\[.*?\])\s`),
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return log
}

func nameWithEnv(env, name string) string {
	p := os.Getenv(env)
	if len(p) == 0 {
		return name
	}
	return filepath.Join(p, name)
}

func envORdefault(name, fallback string) string {
	p := os.Getenv(name)
	if len(p) == 0 {
		return fallback
	}
	return p
}
