package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"concord/api/internal/agreement"
	"concord/api/internal/config"
	"concord/api/internal/loader"
	"concord/api/internal/metrics"
	"concord/api/internal/schema"
	"concord/api/internal/store"
	"concord/api/internal/util"
)

// agreementCmd runs one agreement task in the foreground and prints the report as JSON.
func agreementCmd(cfg config.Config) *cobra.Command {
	var (
		projectID       string
		mode            string
		measureName     string
		annotators      []string
		includeCuration bool
	)
	cmd := &cobra.Command{
		Use:   "agreement",
		Short: "Compute inter-annotator agreement for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if mode != agreement.TaskPairwise && mode != agreement.TaskPerDocument {
				return fmt.Errorf("mode must be %s or %s", agreement.TaskPairwise, agreement.TaskPerDocument)
			}
			if measureName == "" {
				measureName = agreement.MeasureCohen
				if mode == agreement.TaskPerDocument {
					measureName = agreement.MeasureFleiss
				}
			}
			measure, err := agreement.Lookup(measureName)
			if err != nil {
				return err
			}

			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			registry, err := schema.Load(cfg.SchemaFile, cfg.TypeDenylist)
			if err != nil {
				return fmt.Errorf("load layer schema: %w", err)
			}
			dataStore := store.NewPostgresStore(db)

			project, err := dataStore.GetProject(ctx, projectID)
			if err != nil {
				return err
			}
			docs, err := dataStore.ListDocuments(ctx, project.ID)
			if err != nil {
				return err
			}
			if len(annotators) == 0 {
				if annotators, err = dataStore.ProjectAnnotators(ctx, project.ID); err != nil {
					return err
				}
			}

			log := logrus.WithFields(logrus.Fields{"project": project.ID, "mode": mode, "measure": measureName})
			runner := &agreement.Runner{Loader: loader.New(dataStore, registry), Log: log, Metrics: metrics.New()}
			params := agreement.Params{
				Documents:       docs,
				Annotators:      annotators,
				Layers:          registry.EntryTypes(project.ID),
				Measure:         measure,
				IncludeCuration: includeCuration,
			}

			if err := params.Validate(mode); err != nil {
				return err
			}

			id := util.NewID("task")
			var report agreement.Report
			if mode == agreement.TaskPerDocument {
				res, err := runner.PerDocument(ctx, params)
				if err != nil {
					return err
				}
				report = res.Report(id, project.ID, time.Now().UTC())
			} else {
				res, err := runner.Pairwise(ctx, params)
				if err != nil {
					return err
				}
				report = res.Report(id, project.ID, time.Now().UTC())
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&mode, "mode", agreement.TaskPairwise, "pairwise or per-document")
	cmd.Flags().StringVar(&measureName, "measure", "", "agreement measure (default depends on mode)")
	cmd.Flags().StringSliceVar(&annotators, "annotators", nil, "annotators to compare (default: every project annotator)")
	cmd.Flags().BoolVar(&includeCuration, "include-curation", false, "add the curated view as a rater")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
