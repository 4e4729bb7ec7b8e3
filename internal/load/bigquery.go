package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/bigquery"
)

// BigQuery loads Parquet files from GCS into <project>.<dataset>.<table>.
type BigQuery struct {
	client  *bigquery.Client
	dataset string
	logger  *slog.Logger
}

func NewBigQuery(ctx context.Context, project, dataset string, logger *slog.Logger) (*BigQuery, error) {
	if project == "" || dataset == "" {
		return nil, errors.New("bigquery project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	return &BigQuery{client: client, dataset: dataset, logger: logger.With("component", "bigquery")}, nil
}

func (b *BigQuery) Close() error {
	return b.client.Close()
}

// AppendParquet runs one load job. BigQuery commits a load job atomically:
// either every listed file is appended or none is.
func (b *BigQuery) AppendParquet(ctx context.Context, table string, columns []Column, uris []string) error {
	ref := bigquery.NewGCSReference(uris...)
	ref.SourceFormat = bigquery.Parquet
	schema := make(bigquery.Schema, len(columns))
	for i, c := range columns {
		schema[i] = &bigquery.FieldSchema{Name: c.Name, Type: bigquery.FieldType(c.Type)}
	}
	ref.Schema = schema

	loader := b.client.Dataset(b.dataset).Table(table).LoaderFrom(ref)
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.WriteDisposition = bigquery.WriteAppend
	loader.SchemaUpdateOptions = []string{"ALLOW_FIELD_ADDITION"}

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("start load job: %w", err)
	}
	b.logger.Debug("load job started", "job_id", job.ID(), "table", table, "files", len(uris))
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load job %s: %w", job.ID(), err)
	}
	return nil
}
