package janitor

import (
	"github.com/chunkstream/chunkstream/internal/database"
	"github.com/chunkstream/chunkstream/internal/storage"
	"github.com/mdouchement/logger"
	"github.com/robfig/cron/v3"
)

// A Controller is an Inversion Of Control pattern used to init the janitor package.
type Controller struct {
	Logger        logger.Logger
	Database      database.Client
	Storage       storage.Backend
	Specification string
}

// Start launches the janitor asynchronously. It periodically reclaims
// storage artifacts left behind by completed sessions and reports the
// in-flight transfers. It never touches the ledger: partial progress is
// kept for future resumes.
func Start(c Controller) {
	cron := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	log := c.Logger.WithPrefix("[janitor]")

	_, err := cron.AddFunc(c.Specification, func() {
		transfers, err := c.Database.AllTransfers()
		if err != nil {
			log.Error(err)
			return
		}

		var inflight int
		for _, transfer := range transfers {
			if !transfer.Finalized {
				inflight++
			}
		}
		if inflight > 0 {
			log.Infof("%d transfer(s) in flight", inflight)
		}

		if err = c.Storage.Cleanup(); err != nil {
			log.Error(err)
		}
	})
	if err != nil {
		panic(err)
	}
	log.Info("Storage cleanup task registred")

	cron.Start()
	log.Info("Janitor is running")
}
