package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"skybus/pkg/discovery"
	"skybus/pkg/server"
)

func connect(c *cli.Context) error {
	addr := net.JoinHostPort(c.String("host"), strconv.Itoa(c.Int("port")))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", addr, err)
	}
	defer conn.Close()

	con, err := newConsole(conn, addr)
	if err != nil {
		return err
	}
	log.SetOutput(con.rl.Stderr())

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return con.Run(ctx, cancel)
}

func browse(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]bool)
	show := func(source string, s discovery.Service) {
		mu.Lock()
		defer mu.Unlock()
		key := s.Address()
		if seen[key] {
			return
		}
		seen[key] = true
		fmt.Printf("%-32s %-24s %s\n", discovery.TrimLocalService(s.Name), key, source)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		services, err := discovery.Probe(ctx, c.String("broadcast"), c.Duration("timeout"))
		if err != nil {
			log.Debugf("UDP probe failed: %v", err)
		}
		for _, s := range services {
			show("udp", s)
		}
	}()

	err := discovery.Browse(ctx, c.String("interface"), func(s discovery.Service) {
		show("mdns", s)
	}, nil)
	wg.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func main() {
	app := cli.App{
		Name:  "skybus",
		Usage: "Interactive device bus client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Aliases: []string{"H"},
				Value:   "localhost",
				Usage:   "Server host",
				EnvVars: []string{"SKYBUS_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   server.DefaultPort,
				Usage:   "Server port",
				EnvVars: []string{"SKYBUS_PORT"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "discover",
				Usage: "List servers on the local network",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Value: 3 * time.Second,
						Usage: "How long to wait for answers",
					},
					&cli.StringFlag{
						Name:  "broadcast",
						Value: net.JoinHostPort("255.255.255.255", strconv.Itoa(discovery.DefaultResponderPort)),
						Usage: "Address of the UDP discovery probe",
					},
					&cli.StringFlag{
						Name:  "interface",
						Usage: "Network interface for mDNS browsing",
					},
				},
				Action: browse,
			},
		},
		Action: connect,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
