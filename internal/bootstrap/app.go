package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"imaging-backend/internal/classify"
	dicomdecoder "imaging-backend/internal/classify/dicom"
	"imaging-backend/internal/imaging"
	"imaging-backend/internal/queue"
	"imaging-backend/internal/shared/config"
	"imaging-backend/internal/shared/server"
	"imaging-backend/internal/shared/storage/db"
	"imaging-backend/internal/shared/storage/object"
	localstore "imaging-backend/internal/shared/storage/object/local"
	s3store "imaging-backend/internal/shared/storage/object/s3"
	"imaging-backend/internal/studies"
	"imaging-backend/internal/workflow"
)

// App holds shared dependencies for the API server and the queue worker.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Store  object.ObjectStore
	Queue  queue.Client

	Importer imaging.Client
	Tracker  *imaging.Tracker
	Decoder  classify.Decoder
	Workflow workflow.Trigger

	StudiesRepo    studies.Repo
	StudiesService *studies.Service
	StudiesHandler *studies.Handler

	// StudyPoller allows callers to override poll processing for tests.
	StudyPoller StudyPoller
}

// StudyPoller reconciles one study against its import job.
type StudyPoller interface {
	Poll(ctx context.Context, studyID string) (studies.PollResult, error)
}

// Build prepares shared dependencies and wires the router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	importer, err := buildImporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		DB:       sqlDB,
		Store:    store,
		Queue:    queueClient,
		Importer: importer,
		Decoder:  dicomdecoder.NewDecoder(),
	}

	if err := buildServices(ctx, app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:         app.Config,
		StudiesHandler: app.StudiesHandler,
	})

	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}

	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.UploadBucket, cfg.UploadPrefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.SQSQueueURL) == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
}

func buildImporter(ctx context.Context, cfg config.Config) (imaging.Client, error) {
	switch cfg.ImportClient {
	case "healthimaging":
		if strings.TrimSpace(cfg.DatastoreID) == "" {
			return nil, fmt.Errorf("IMPORT_CLIENT=healthimaging requires HEALTHIMAGING_DATASTORE_ID")
		}
		return imaging.NewHealthImagingClient(ctx, cfg.AWSRegion)
	default:
		return imaging.NewLocalClient(), nil
	}
}

func buildWorkflow(ctx context.Context, cfg config.Config, queueClient queue.Client) (workflow.Trigger, error) {
	switch cfg.WorkflowTrigger {
	case "stepfunctions":
		if strings.TrimSpace(cfg.StateMachineARN) == "" {
			return nil, fmt.Errorf("WORKFLOW_TRIGGER=stepfunctions requires STATE_MACHINE_ARN")
		}
		return workflow.NewStepFunctionsTrigger(ctx, cfg.AWSRegion, cfg.StateMachineARN)
	case "queue":
		if queueClient == nil {
			return nil, fmt.Errorf("WORKFLOW_TRIGGER=queue requires SQS_QUEUE_URL")
		}
		return &workflow.QueueTrigger{Queue: queueClient}, nil
	default:
		return workflow.Noop{}, nil
	}
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func buildServices(ctx context.Context, app *App) error {
	var repo studies.Repo
	if app.DB != nil {
		repo = &studies.PGRepo{DB: app.DB}
	} else {
		repo = studies.NewMemoryRepo()
	}

	trigger, err := buildWorkflow(ctx, app.Config, app.Queue)
	if err != nil {
		return err
	}
	app.Workflow = trigger

	app.Tracker = &imaging.Tracker{Client: app.Importer, Stages: repo}

	svc := &studies.Service{
		Repo:          repo,
		Store:         app.Store,
		Importer:      app.Importer,
		Tracker:       app.Tracker,
		Decoder:       app.Decoder,
		Workflow:      trigger,
		DatastoreID:   app.Config.DatastoreID,
		OutputPrefix:  app.Config.OutputPrefix,
		AccessRoleARN: app.Config.ImportRoleARN,
	}

	app.StudiesRepo = repo
	app.StudiesService = svc
	app.StudyPoller = svc
	app.StudiesHandler = studies.NewHandler(svc)
	return nil
}
