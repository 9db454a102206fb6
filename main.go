// Command labelhubd runs the LabelHub daemon: it owns the printer hub and
// serves the control API until the service manager or a signal stops it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/judwhite/go-svc"

	"labelhub/internal/config"
	"labelhub/internal/control"
	"labelhub/internal/hub"
	"labelhub/internal/logging"
)

type program struct {
	cfg     config.Config
	hub     *hub.Hub
	control *control.Server
}

func main() {
	if err := svc.Run(&program{}, syscall.SIGINT, syscall.SIGTERM); err != nil {
		log.Fatalf("labelhubd: %v", err)
	}
}

func (p *program) Init(_ svc.Environment) error {
	confDir := flag.String("c", "", "configuration directory")
	bind := flag.String("b", "", "control API listen address")
	flag.Parse()

	// Both flags run through the environment so config.Load applies its
	// usual precedence and address normalization to them.
	if *confDir != "" {
		os.Setenv("LABELHUB_CONF_DIR", *confDir)
	}
	if *bind != "" {
		os.Setenv("LABELHUB_LISTEN", *bind)
	}
	p.cfg = config.Load()

	logging.Configure(p.cfg.ErrorLogPath, p.cfg.AccessLogPath, p.cfg.JobLogPath,
		p.cfg.MaxLogSize, logging.ParseLevel(p.cfg.LogLevel))
	log.SetOutput(logging.ErrorWriter())

	for _, dir := range []string{p.cfg.DataDir, p.cfg.ConfDir, filepath.Dir(p.cfg.CacheFilePath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (p *program) Start() error {
	p.hub = hub.New(p.cfg)
	p.hub.Start(context.Background())

	p.control = control.New(p.cfg, p.hub)
	if err := p.control.Start(); err != nil {
		p.hub.Close()
		return err
	}
	return nil
}

func (p *program) Stop() error {
	logging.Infof("labelhubd: stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if p.control != nil {
		if err := p.control.Shutdown(ctx); err != nil {
			logging.Errorf("labelhubd: control shutdown: %v", err)
		}
	}
	if p.hub != nil {
		p.hub.Close()
	}
	return nil
}
