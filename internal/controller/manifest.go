package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/me/etlorch/internal/objstore"
	"github.com/me/etlorch/pkg/model"
)

func (r *pipelineRun) loadManifest(ctx context.Context) (*model.RunManifest, error) {
	data, err := r.c.store.Get(ctx, objstore.ManifestKey(r.p.SourceTable))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewError(model.KindConnectivity, "read run manifest", err)
	}
	var m model.RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		// An unreadable manifest cannot describe the run. Treat it as absent
		// so job labels alone decide.
		r.log.Warn("ignoring corrupt run manifest", "error", err)
		return nil, nil
	}
	return &m, nil
}

func (r *pipelineRun) saveManifest(ctx context.Context, m *model.RunManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := r.c.store.Put(ctx, objstore.ManifestKey(r.p.SourceTable), data, "application/json"); err != nil {
		return model.NewError(model.KindConnectivity, "write run manifest", err)
	}
	return nil
}
