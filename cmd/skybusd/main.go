package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"skybus/pkg/bus"
	"skybus/pkg/config"
	"skybus/pkg/discovery"
	"skybus/pkg/drivers"
	"skybus/pkg/history"
	"skybus/pkg/mqttbridge"
	"skybus/pkg/remote"
	"skybus/pkg/server"
	"skybus/pkg/store"
	"skybus/pkg/timer"
)

const shutdownTimeout = 5 * time.Second

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func setupLogging(c *cli.Context, cfg config.LoggingConfig) error {
	level := log.InfoLevel
	if cfg.Level != "" {
		l, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		level = l
	}
	if c.Bool("debug") {
		level = log.DebugLevel
	}
	if c.Bool("trace") {
		level = log.TraceLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if err := cfg.Validate(drivers.Known); err != nil {
		return err
	}
	if err := setupLogging(c, cfg.Logging); err != nil {
		return err
	}

	log.Infof("Starting %s", cfg.Server.Name)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	scheduler := timer.NewScheduler(cfg.Bus.TimerWorkers, log.WithField("component", "timer"))
	defer scheduler.Stop()
	b := bus.New(bus.WithLogger(log.WithField("component", "bus")), bus.WithScheduler(scheduler))
	defer b.Close()

	srv, err := server.New(b, server.Options{
		Name:       cfg.Server.Name,
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		PublicHost: cfg.Server.PublicHost,
		Logger:     log.WithField("component", "server"),
	})
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	manager := drivers.NewManager(b, st, log.WithField("component", "drivers"))
	defer manager.ShutdownAll()
	for _, d := range cfg.Devices {
		if err := manager.Init(d); err != nil {
			log.Errorf("Cannot load %s: %v", d.Name, err)
		}
	}

	remotes := remote.NewManager(b, log.WithField("component", "remote"))
	defer remotes.Close()
	for _, r := range cfg.Remotes {
		if err := remotes.ConnectServer(r.Name, r.Host, r.Port); err != nil {
			log.Errorf("Cannot add server %s: %v", r.Host, err)
		}
	}

	if cfg.MQTT.Enabled {
		pub, err := mqttbridge.Dial(cfg.MQTT)
		if err != nil {
			log.Errorf("MQTT bridge disabled: %v", err)
		} else {
			bridge := mqttbridge.New(pub, cfg.MQTT.TopicRoot, byte(cfg.MQTT.QoS), log.WithField("component", "mqtt"))
			if err := b.AttachClient(bridge); err != nil {
				log.Errorf("MQTT bridge disabled: %v", err)
			}
		}
	}

	if cfg.InfluxDB.Enabled {
		rec, err := history.Connect(cfg.InfluxDB, log.WithField("component", "history"))
		if err != nil {
			log.Errorf("History disabled: %v", err)
		} else if err := b.AttachClient(rec); err != nil {
			log.Errorf("History disabled: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})

	if cfg.Server.Advertise {
		adv := discovery.NewAdvertiser("", log.WithField("component", "mdns"))
		name := discovery.ServiceName(cfg.Server.Name, true)
		if err := adv.Advertise(name, srv.Port(), []string{"version=" + version}); err != nil {
			log.Errorf("mDNS advertisement disabled: %v", err)
		} else {
			defer adv.Shutdown()
		}
	}

	if cfg.Server.Responder {
		dr, err := discovery.NewResponder("0.0.0.0", discovery.DefaultResponderPort,
			discovery.Reply{Name: cfg.Server.Name, Port: srv.Port()}, log.WithField("component", "discovery"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := dr.Run(ctx); err != nil {
				log.Errorf("Discovery responder failed: %v", err)
			}
			return nil
		})
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	err = g.Wait()
	log.Info("Stopped")
	return err
}

func main() {
	app := cli.App{
		Name:    "skybusd",
		Usage:   "Device bus daemon",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file",
				EnvVars: []string{"SKYBUS_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   server.DefaultPort,
				EnvVars: []string{"SKYBUS_PORT"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "Enable trace logging, including wire traffic",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "drivers",
				Usage: "List the available drivers",
				Action: func(c *cli.Context) error {
					for _, e := range drivers.Entries() {
						fmt.Printf("%-16s %-10s %s\n", e.Name, e.Interface, e.Description)
					}
					return nil
				},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
