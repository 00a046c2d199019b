// Entry point for the icecast-core streaming core.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/khaliullov/icecast-kh/internal/config"
	"github.com/khaliullov/icecast-kh/internal/core"
)

var (
	port            = flag.Int("port", 8000, "listener/producer HTTP port")
	name            = flag.String("name", "", "server friendly name (default: hostname-icecast-core)")
	logFile         = flag.String("log-file", "icecast-core.log", "log file path")
	adminAddr       = flag.String("admin-addr", "", "address to serve /admin/ws on (empty disables)")
	sourceLimit     = flag.Int("source-limit", 100, "maximum concurrently attached producers")
	workerCount     = flag.Int("workers", 0, "worker pool size (0 = max(1, NumCPU/2))")
	enableMDNS      = flag.Bool("mdns", false, "advertise live mounts via mDNS")
	enableDashboard = flag.Bool("dashboard", false, "run the terminal mount-status dashboard")
	enableAdminWS   = flag.Bool("admin-ws", false, "enable the /admin/ws JSON push endpoint")
)

func main() {
	flag.Parse()

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(os.Stdout, f))

	serverName := *name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = fmt.Sprintf("%s-icecast-core", hostname)
	}

	global := config.DefaultGlobal()
	global.Port = *port
	global.SourceLimit = *sourceLimit
	global.WorkerCount = *workerCount
	global.EnableMDNS = *enableMDNS
	global.EnableDashboard = *enableDashboard
	global.EnableAdminWS = *enableAdminWS

	log.Printf("starting icecast-core: %s on port %d", serverName, *port)
	log.Printf("logging to: %s", *logFile)

	c := core.New(core.Config{
		Global:     global,
		ServerName: serverName,
		AdminAddr:  *adminAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received %v signal, shutting down gracefully...", sig)
		cancel()
		if err := c.Stop(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("core error: %v", err)
	}

	<-ctx.Done()
	log.Printf("icecast-core stopped")
}
