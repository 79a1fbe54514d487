package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/ledger/internal/clientapi"
	"github.com/cuemby/ledger/internal/cloudclient"
	"github.com/cuemby/ledger/internal/config"
	"github.com/cuemby/ledger/internal/log"
	"github.com/cuemby/ledger/pkg/repository"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the Ledger engine process",
	Long: `Start opens this device's repository (starting its user-sync supervisor
when a cloud endpoint is configured) and serves the client API until
terminated. It opens no pages itself, so no page sync starts here.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromFlags(cmd)
	if err != nil {
		return err
	}

	if cfg.TriggerCloudErasedForTesting {
		log.Warn("trigger_cloud_erased_for_testing set: accepted, but startup does not simulate cloud-erased")
	}

	repoCfg := repository.Config{
		DataDir: cfg.DataDir,
		UserID:  cfg.UserID,
	}
	if cfg.CloudEndpoint != "" && !cfg.NoNetworkForTesting {
		repoCfg.Docs = cloudclient.NewDocumentClient(cfg.CloudEndpoint)
		repoCfg.Blobs = cloudclient.NewBlobClient(cfg.CloudEndpoint)
	}

	repo, err := repository.Open(repoCfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	api, err := clientapi.New(cfg.ClientAPIAddr)
	if err != nil {
		return fmt.Errorf("start client api: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- api.Serve() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
		api.Stop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("client api stopped: %w", err)
	}
}
