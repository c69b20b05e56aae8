package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/natefinch/lumberjack.v2"

	"psu/pkg/drivers/keithley"
	"psu/pkg/drivers/psu_simulator"
	"psu/pkg/psu"
	"psu/pkg/visa"
	"psu/templates"
)

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	if logFile := c.String("log-file"); logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	log.Info("Power Supply Control Server")

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(c.String("db"), 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := psu.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	driver, err := keithley.NewDriver(0, db, tmpl, log.WithField("device", "keithley"))
	if err != nil {
		return fmt.Errorf("failed to create Keithley driver: %v", err)
	}
	defer driver.Close()

	if c.Bool("simulate") {
		log.Info("Using simulated instrument")
		sim := psu_simulator.New()
		driver.SetDialFunc(sim.Dial)
	}

	serverCfg, err := store.GetServerConfig()
	if err != nil {
		return fmt.Errorf("failed to get server config: %v", err)
	}
	resources := visa.NewResourceManager(serverCfg.StaticAddresses)

	serverDesc := psu.ServerDescription{
		Name:                "Power Supply Control Server",
		Manufacturer:        "Keithley",
		ManufacturerVersion: "1.0",
		Location:            serverCfg.Location,
	}

	server := psu.NewServer(serverDesc, driver, resources, store, tmpl)
	mux := server.AddRoutes()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int("port")),
		Handler: mux,
	}

	// Channel to listen for interrupt or terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", srv.Addr, err)
		}
		wg.Done()
	}()

	// Create discovery listener
	discoveryLogger := log.WithField("component", "discovery")
	disc, err := psu.NewDiscovery("0.0.0.0", c.Int("port"), resources, discoveryLogger)
	if err != nil {
		log.Fatalf("Failed to start discovery listener: %v", err)
	}

	wg.Add(1)
	go func() {
		if err := disc.Run(ctx); err != nil {
			log.Fatalf("Discovery listener failed: %v", err)
		}
		wg.Done()
		log.Debug("Discovery listener stopped")
	}()

	<-ctx.Done()

	log.Info("Shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:  "psud",
		Usage: "Keithley 2230G power supply control server",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   8090,
				EnvVars: []string{"PSU_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the configuration database",
				Value:   "psud.db",
				EnvVars: []string{"PSU_DB"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Log to a rotated file instead of stderr",
				EnvVars: []string{"PSU_LOG_FILE"},
			},
			&cli.BoolFlag{
				Name:    "simulate",
				Usage:   "Use a simulated instrument instead of a TCP session",
				EnvVars: []string{"PSU_SIMULATE"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
