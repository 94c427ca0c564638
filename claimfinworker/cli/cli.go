package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/urfave/cli"

	"github.com/CMSgov/claimfin/claimfin/constants"
	"github.com/CMSgov/claimfin/claimfin/database"
	"github.com/CMSgov/claimfin/claimfin/files"
	"github.com/CMSgov/claimfin/claimfin/health"
	"github.com/CMSgov/claimfin/claimfin/metrics"
	"github.com/CMSgov/claimfin/claimfin/projection"
	"github.com/CMSgov/claimfin/claimfinworker/queueing"
	"github.com/CMSgov/claimfin/claimfinworker/scheduler"
	"github.com/CMSgov/claimfin/conf"
	"github.com/CMSgov/claimfin/log"
)

const Name = "claimfinworker"
const Usage = "Claim Financial Consistency Engine Worker CLI"

var (
	dbCfg *database.Config
)

func GetApp() *cli.App {
	return setUpApp()
}

func setUpApp() *cli.App {
	app := cli.NewApp()
	app.Name = Name
	app.Usage = Usage
	app.Version = constants.Version
	app.Before = func(c *cli.Context) error {
		log.SetupLoggers()
		cfg, err := database.LoadConfig()
		if err != nil {
			return err
		}
		dbCfg = cfg
		return nil
	}

	var (
		factsFile, outFile, projectionName string
		from, to, sortField                string
		facilities, payers, claims         cli.StringSlice
		inline, desc                       bool
	)

	app.Commands = []cli.Command{
		{
			Name:  "start-worker",
			Usage: "Start the worker",
			Action: func(c *cli.Context) error {
				return startWorker()
			},
		},
		{
			Name:  "health",
			Usage: "Check the worker health",
			Action: func(c *cli.Context) error {
				ctx := context.Background()
				pool, err := connect(ctx, dbCfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()

				if checkHealth(ctx, log.Health, health.NewHealthChecker(pool, nil, 0)) {
					return nil
				}
				return cli.NewExitError("Worker is unhealthy", 1)
			},
		},
		{
			Name:  "migrate",
			Usage: "Apply the claimfin and queue schema migrations",
			Action: func(c *cli.Context) error {
				if err := database.Migrate(dbCfg.DatabaseURL, dbCfg.MigrationsPath); err != nil {
					return err
				}
				ctx := context.Background()
				pool, err := connect(ctx, dbCfg.QueueDatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				return queueing.Migrate(ctx, pool)
			},
		},
		{
			Name:  "submit-facts",
			Usage: "Submit line delimited fact envelopes and enqueue their recomputes",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "file",
					Usage:       "File of fact envelopes, - for stdin",
					Value:       "-",
					Destination: &factsFile,
				},
			},
			Action: func(c *cli.Context) error {
				ctx := context.Background()
				local := &files.LocalFileHandler{Logger: log.Worker}
				r, err := local.Open(ctx, factsFile)
				if err != nil {
					return err
				}
				defer r.Close()

				pool, err := connect(ctx, dbCfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				comps, err := buildComponents(ctx, pool)
				if err != nil {
					return err
				}
				enqueuer, err := newEnqueuer(ctx)
				if err != nil {
					return err
				}

				sum, err := submitFacts(ctx, r, comps.engine, enqueuer)
				fmt.Fprintln(c.App.Writer, sum)
				return err
			},
		},
		{
			Name:  "rebuild",
			Usage: "Re-derive every claim from its facts",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:        "inline",
					Usage:       "Rebuild in this process instead of enqueuing a rebuild job; no worker may be running",
					Destination: &inline,
				},
			},
			Action: func(c *cli.Context) error {
				ctx := context.Background()
				if !inline {
					enqueuer, err := newEnqueuer(ctx)
					if err != nil {
						return err
					}
					if err := enqueuer.AddRebuild(ctx); err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, "rebuild enqueued")
					return nil
				}

				pool, err := connect(ctx, dbCfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				comps, err := buildComponents(ctx, pool)
				if err != nil {
					return err
				}
				n, err := comps.engine.RebuildAll(ctx)
				fmt.Fprintf(c.App.Writer, "rebuilt %d claims\n", n)
				return err
			},
		},
		{
			Name:  "export",
			Usage: "Export a projection as Parquet",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "projection",
					Usage:       "claims, activities, rejected, monthly, doctor_denial, payerwise or resubmissions",
					Value:       constants.ProjectionClaims,
					Destination: &projectionName,
				},
				cli.StringFlag{
					Name:        "out",
					Usage:       "Parquet file or s3:// uri to write",
					Destination: &outFile,
				},
				cli.StringFlag{
					Name:        "from",
					Usage:       "First claim date, YYYY-MM-DD",
					Destination: &from,
				},
				cli.StringFlag{
					Name:        "to",
					Usage:       "Last claim date, YYYY-MM-DD",
					Destination: &to,
				},
				cli.StringSliceFlag{
					Name:  "facility",
					Usage: "Facility id, may be repeated",
					Value: &facilities,
				},
				cli.StringSliceFlag{
					Name:  "payer",
					Usage: "Payer id, may be repeated",
					Value: &payers,
				},
				cli.StringSliceFlag{
					Name:  "claim",
					Usage: "Claim key, may be repeated",
					Value: &claims,
				},
				cli.StringFlag{
					Name:        "sort",
					Usage:       "claim_date, submitted, paid, outstanding, rejected, denied, claims, resubmissions or claim_key",
					Value:       "claim_date",
					Destination: &sortField,
				},
				cli.BoolFlag{
					Name:        "desc",
					Usage:       "Sort descending",
					Destination: &desc,
				},
			},
			Action: func(c *cli.Context) error {
				if outFile == "" {
					return cli.NewExitError("--out is required", 1)
				}
				fs, err := filterSet(from, to, facilities, payers, claims)
				if err != nil {
					return err
				}

				ctx := context.Background()
				pool, err := connect(ctx, dbCfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				comps, err := buildComponents(ctx, pool)
				if err != nil {
					return err
				}
				// A scoped export reads only the selected claims. An unscoped one
				// rebuilds every projection and writes from the snapshot.
				filter := fs.Filter()
				scoped := len(filter.Clauses) > 0
				if !scoped {
					if err := comps.projections.Rebuild(ctx); err != nil {
						return err
					}
				}

				handler, err := fileHandler(outFile)
				if err != nil {
					return err
				}
				f, err := handler.Create(ctx, outFile)
				if err != nil {
					return err
				}
				order := projection.Sort{Field: sortField, Desc: desc}
				var (
					n     int
					epoch uint64
				)
				if scoped {
					n, err = comps.engine.ExportScoped(ctx, f, projectionName, filter, order)
				} else {
					n, epoch, err = comps.engine.ExportParquet(ctx, f, projectionName, filter, order)
				}
				if closeErr := f.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return err
				}
				if scoped {
					fmt.Fprintf(c.App.Writer, "exported %d %s rows matching %d clauses to %s\n", n, projectionName, len(filter.Clauses), outFile)
					return nil
				}
				fmt.Fprintf(c.App.Writer, "exported %d %s rows at epoch %d to %s\n", n, projectionName, epoch, outFile)
				return nil
			},
		},
		{
			Name:  "degraded",
			Usage: "List degraded claims",
			Action: func(c *cli.Context) error {
				ctx := context.Background()
				pool, err := connect(ctx, dbCfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				comps, err := buildComponents(ctx, pool)
				if err != nil {
					return err
				}
				degraded, err := comps.engine.DegradedClaims(ctx)
				if err != nil {
					return err
				}
				for _, d := range degraded {
					fmt.Fprintf(c.App.Writer, "%s\tfailures=%d\tsince=%s\t%s\n",
						d.ClaimKey, d.Failures, d.UpdatedAt.Format(time.RFC3339), d.Reason)
				}
				return nil
			},
		},
	}
	return app
}

func connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return database.Connect(ctx, dbCfg, dsn)
}

func fileHandler(path string) (files.Handler, error) {
	cfg, err := files.LoadConfig()
	if err != nil {
		return nil, err
	}
	return files.NewHandler(path, *cfg, log.Worker)
}

func newEnqueuer(ctx context.Context) (queueing.Enqueuer, error) {
	qCfg, err := queueing.LoadConfig()
	if err != nil {
		return nil, err
	}
	pool, err := connect(ctx, dbCfg.QueueDatabaseURL)
	if err != nil {
		return nil, err
	}
	return queueing.NewEnqueuer(pool, *qCfg)
}

func startWorker() error {
	fmt.Println("Starting claimfinworker...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := metrics.GetTimer()
	defer timer.Close()
	ctx = metrics.NewContext(ctx, timer)

	pool, err := connect(ctx, dbCfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	queuePool, err := connect(ctx, dbCfg.QueueDatabaseURL)
	if err != nil {
		return err
	}
	defer queuePool.Close()

	comps, err := buildComponents(ctx, pool)
	if err != nil {
		return err
	}
	schedCfg, err := scheduler.LoadConfig()
	if err != nil {
		return err
	}
	qCfg, err := queueing.LoadConfig()
	if err != nil {
		return err
	}
	notifier, err := queueing.NewNotifier(qCfg.AWSRegion)
	if err != nil {
		log.Worker.Warnf("Slack notifications disabled: %s", err)
		notifier = nil
	}

	sched := scheduler.New(*schedCfg, comps.engine.Recompute)
	// degraded claims are recorded even while shutting down
	bgCtx := context.WithoutCancel(ctx)
	sched.OnDegraded = func(d scheduler.DegradedClaim) {
		if err := comps.engine.MarkDegraded(bgCtx, d.ClaimKey, d.Failures, d.Err); err != nil {
			log.Worker.WithField("claim_key", d.ClaimKey).Error(err)
		}
		queueing.NotifyDegraded(bgCtx, notifier, d.ClaimKey, d.Failures, d.Err)
	}
	go func() {
		for d := range sched.Errors() {
			log.Worker.WithFields(logrus.Fields{"claim_key": d.ClaimKey, "failures": d.Failures}).Debug("degraded claim reported")
		}
	}()
	comps.facts.OnAppend(sched.Trigger)
	comps.engine.WithDispatcher(sched.Trigger)

	if err := comps.projections.Rebuild(ctx); err != nil {
		return errors.Wrap(err, "failed to build projections")
	}
	go comps.projections.Run(ctx)
	sched.Start(ctx)
	defer sched.Stop()

	queue, err := queueing.StartRiver(bgCtx, queuePool, *qCfg, sched.Trigger, comps.engine.RebuildAll, notifier)
	if err != nil {
		return err
	}

	if hInt := cast.ToInt(conf.GetEnv("WORKER_HEALTH_INT_SEC")); hInt > 0 {
		checker := health.NewHealthChecker(pool, sched.Backlog, cast.ToInt(conf.GetEnv("CLAIMFIN_MAX_BACKLOG")))
		healthLogger := NewHealthLogger(checker)
		ticker := time.NewTicker(time.Duration(hInt) * time.Second)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					healthLogger.Log(ctx)
					queue.PublishBacklog(ctx, sched.Backlog(), log.Worker)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	sig := waitForSig()
	log.Worker.Infof("received %s, shutting down", sig)

	// stop taking jobs first, then let running recomputes finish
	stopCtx, stopCancel := context.WithTimeout(bgCtx, 30*time.Second)
	defer stopCancel()
	if err := queue.Stop(stopCtx); err != nil {
		log.Worker.Errorf("failed to stop river client: %s", err)
	}
	cancel()
	sched.Stop()
	return nil
}

func waitForSig() os.Signal {
	signalChan := make(chan os.Signal, 1)
	defer signal.Stop(signalChan)

	signal.Notify(signalChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	s := <-signalChan
	switch s {
	case syscall.SIGINT:
		fmt.Println("interrupt")
	case syscall.SIGTERM:
		fmt.Println("force stop")
	case syscall.SIGQUIT:
		fmt.Println("stop and core dump")
	}
	return s
}
