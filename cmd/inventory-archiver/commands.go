package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/archive"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/cleanup"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/config"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/ingest"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/retry"
)

func newIngestCmd(opts *globalOptions) *cobra.Command {
	var maxEntries int

	cmd := &cobra.Command{
		Use:   "ingest <root> <workers>",
		Short: "Shard inventory reports under root into processedReports",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, args[1])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-entries") {
				cfg.Ingest.MaxEntriesPerFile = maxEntries
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			root := args[0]
			return runPhase(cmd.Context(), cfg, ingest.Phase, root, func(ctx context.Context) (phaseResult, error) {
				res, err := ingest.Run(ctx, ingest.Config{
					Root:       root,
					Workers:    cfg.Walk.Workers,
					MaxEntries: cfg.Ingest.MaxEntriesPerFile,
				})
				return phaseResult{walk: res.Walk, counters: map[string]int64{
					"files":     res.Files,
					"skipped":   res.Skipped,
					"records":   res.Records,
					"malformed": res.Malformed,
					"shards":    res.Shards,
					"sidecars":  res.Sidecars,
				}}, err
			})
		},
	}

	cmd.Flags().IntVar(&maxEntries, "max-entries", 0, "maximum records per shard file")
	return cmd
}

func newArchiveCmd(opts *globalOptions) *cobra.Command {
	var (
		storageClass string
		verify       bool
	)

	cmd := &cobra.Command{
		Use:   "archive <root> <archiver-path> <workers>",
		Short: "Archive every pending shard and mark it processed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, args[2])
			if err != nil {
				return err
			}
			cfg.Archive.ArchiverPath = args[1]
			if cmd.Flags().Changed("storage-class") {
				cfg.Archive.StorageClass = storageClass
			}
			if cmd.Flags().Changed("verify") {
				cfg.Archive.Verify = verify
			}

			store, err := newObjectStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			root := args[0]
			return runPhase(cmd.Context(), cfg, archive.Phase, root, func(ctx context.Context) (phaseResult, error) {
				res, err := archive.Run(ctx, archive.Config{
					Root:         root,
					Workers:      cfg.Walk.Workers,
					ArchiverPath: cfg.Archive.ArchiverPath,
					Region:       cfg.ObjectStore.Region,
					StorageClass: cfg.Archive.StorageClass,
					Policy:       retryPolicy(cfg.Archive.Retry),
					Verify:       cfg.Archive.Verify,
					Tags:         cfg.Archive.Tags,
				}, command.ExecRunner{}, store)
				return phaseResult{walk: res.Walk, counters: map[string]int64{
					"succeeded": res.Succeeded,
					"skipped":   res.Skipped,
					"pending":   res.Pending,
					"fatal":     res.Fatal,
				}}, err
			})
		},
	}

	cmd.Flags().StringVar(&storageClass, "storage-class", "", "storage class of archive objects")
	cmd.Flags().BoolVar(&verify, "verify", false, "check each archive object exists before marking its shard")
	return cmd
}

func newCleanupCmd(opts *globalOptions) *cobra.Command {
	var rps float64

	cmd := &cobra.Command{
		Use:   "cleanup <root> <workers>",
		Short: "Delete the objects listed in processed shards, then the shards",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, args[1])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("requests-per-second") {
				cfg.Cleanup.RequestsPerSecond = rps
			}

			store, err := newObjectStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			root := args[0]
			return runPhase(cmd.Context(), cfg, cleanup.Phase, root, func(ctx context.Context) (phaseResult, error) {
				res, err := cleanup.Run(ctx, cleanup.Config{
					Root:              root,
					Workers:           cfg.Walk.Workers,
					BatchSize:         cfg.Cleanup.BatchSize,
					Policy:            retryPolicy(cfg.Cleanup.Retry),
					RequestsPerSecond: cfg.Cleanup.RequestsPerSecond,
					Burst:             cfg.Cleanup.Burst,
				}, store)
				return phaseResult{walk: res.Walk, counters: map[string]int64{
					"manifests_deleted": res.ManifestsDeleted,
					"manifests_kept":    res.ManifestsKept,
					"batches":           res.Batches,
					"failed_batches":    res.FailedBatches,
					"objects_deleted":   res.ObjectsDeleted,
					"malformed":         res.Malformed,
				}}, err
			})
		},
	}

	cmd.Flags().Float64Var(&rps, "requests-per-second", 0, "limit delete requests per second across workers (0 = unlimited)")
	return cmd
}

func retryPolicy(r config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		Multiplier:      r.Multiplier,
		MaxInterval:     r.MaxInterval,
	}
}
