package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/etlorch/internal/extract"
	"github.com/me/etlorch/internal/load"
	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/internal/source"
	"github.com/me/etlorch/pkg/model"
)

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract one partition into the staging store (runs inside a job)",
		Long: "Reads the partition described by TABLE_NAME, PARTITION_ID, TOTAL_PARTITIONS, " +
			"KEY_MODE, MIN_KEY, MAX_KEY and PRIMARY_KEY_VAL and stages it as Parquet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			table := os.Getenv(model.EnvTableName)
			task, err := extract.TaskFromEnv(os.Getenv, cfg.Extract.ChunkSizeFor(table))
			if err != nil {
				return fmt.Errorf("read task: %w", err)
			}
			if cfg.Source.DSN == "" {
				return fmt.Errorf("source DSN is required (POSTGRES_CONNECTION or SOURCE_DSN)")
			}

			store, err := objstore.Open(ctx, cfg.Store)
			if err != nil {
				return err
			}
			db, err := source.NewPostgres(ctx, cfg.Source.DSN, cfg.Source.Schema, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := extract.New(db, store, logger).Run(ctx, task)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "extracted %s rows from %s partition %d in %d chunks\n",
				humanize.Comma(res.Rows), task.Table, task.Partition, res.Chunks)
			return nil
		},
	}
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Append one staged partition to the warehouse (runs inside a job)",
		Long: "Loads the partition group under DATA_DIR into DESTINATION_TABLE. " +
			"Fails without touching the warehouse unless exactly one complete group is found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			task, err := load.TaskFromEnv(os.Getenv, cfg.Warehouse.DestinationSuffix)
			if err != nil {
				return fmt.Errorf("read task: %w", err)
			}

			store, err := objstore.Open(ctx, cfg.Store)
			if err != nil {
				return err
			}
			wh, err := load.NewBigQuery(ctx, cfg.Warehouse.Project, cfg.Warehouse.Dataset, logger)
			if err != nil {
				return err
			}
			defer wh.Close()

			res, err := load.New(store, wh, logger).Run(ctx, task)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already loaded\n", res.Dir)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d files (%d columns) from %s into %s\n",
				res.Files, res.Columns, res.Dir, task.DestinationTable)
			return nil
		},
	}
}
