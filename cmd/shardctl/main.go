package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/shardctl/internal/logging"
	"github.com/danmuck/shardctl/internal/manager"
)

func main() {
	logging.ConfigureRuntime()

	configPath := flag.String("config", "", "path to shardctl.toml")
	root := flag.String("root", "", "session root override")
	metricsAddr := flag.String("metrics", "", "metrics listen address override")
	flag.Parse()

	cfg, err := loadServiceConfig(*configPath, *root, *metricsAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shardctl: %v\n", err)
		os.Exit(1)
	}
	svc, err := manager.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shardctl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "shardctl: %v\n", err)
		os.Exit(1)
	}
}
