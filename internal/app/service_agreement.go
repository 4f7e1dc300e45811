package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"

	"github.com/sirupsen/logrus"

	"concord/api/internal/agreement"
	"concord/api/internal/export"
	"concord/api/internal/rbac"
	"concord/api/internal/store"
	"concord/api/internal/taskstate"
	"concord/api/internal/util"
)

type AgreementInput struct {
	Mode            string   `json:"mode"`
	Measure         string   `json:"measure"`
	IncludeCuration bool     `json:"includeCuration"`
	Annotators      []string `json:"annotators,omitempty"`
}

// StartAgreement queues an agreement task over every document of the project and returns its
// initial progress record. The task runs once a worker slot is free.
func (s *Service) StartAgreement(ctx context.Context, actor Actor, projectID string, input AgreementInput) (taskstate.Progress, error) {
	if err := s.authorize(actor, rbac.ActionViewAgreement); err != nil {
		return taskstate.Progress{}, err
	}
	if input.Mode == "" {
		input.Mode = agreement.TaskPairwise
	}
	if input.Mode != agreement.TaskPairwise && input.Mode != agreement.TaskPerDocument {
		return taskstate.Progress{}, validation("mode must be pairwise or per-document")
	}
	if input.Measure == "" {
		input.Measure = agreement.MeasureCohen
		if input.Mode == agreement.TaskPerDocument {
			input.Measure = agreement.MeasureFleiss
		}
	}
	measure, err := agreement.Lookup(input.Measure)
	if err != nil {
		return taskstate.Progress{}, err
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return taskstate.Progress{}, err
	}
	docs, err := s.store.ListDocuments(ctx, project.ID)
	if err != nil {
		return taskstate.Progress{}, err
	}
	annotators := input.Annotators
	if len(annotators) == 0 {
		annotators, err = s.store.ProjectAnnotators(ctx, project.ID)
		if err != nil {
			return taskstate.Progress{}, err
		}
	}

	params := agreement.Params{
		Documents:       docs,
		Annotators:      annotators,
		Layers:          s.layers.EntryTypes(project.ID),
		Measure:         measure,
		IncludeCuration: input.IncludeCuration,
	}
	if err := params.Validate(input.Mode); err != nil {
		return taskstate.Progress{}, validation(err.Error())
	}

	progress := taskstate.Progress{
		ID:        util.NewID("task"),
		ProjectID: project.ID,
		Mode:      input.Mode,
		State:     taskstate.StateQueued,
		Total:     len(docs),
	}
	if err := s.tasks.SaveProgress(ctx, progress); err != nil {
		return taskstate.Progress{}, err
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.runAgreement(progress, params, actor.Name)
	}()
	return progress, nil
}

func (s *Service) runAgreement(progress taskstate.Progress, params agreement.Params, actor string) {
	log := logrus.WithFields(logrus.Fields{"task": progress.ID, "project": progress.ProjectID, "mode": progress.Mode})
	ctx := s.ctx
	monitor := s.tasks.Monitor(context.WithoutCancel(ctx), progress, log)

	if err := s.workers.Acquire(ctx, 1); err != nil {
		s.finishTask(monitor, progress, taskstate.StateCancelled, nil)
		return
	}
	defer s.workers.Release(1)

	runner := &agreement.Runner{Loader: s.loader, Monitor: monitor, Log: log, Metrics: s.metrics}
	var (
		report agreement.Report
		err    error
	)
	switch progress.Mode {
	case agreement.TaskPerDocument:
		var res *agreement.PerDocumentResult
		if res, err = runner.PerDocument(ctx, params); err == nil {
			report = res.Report(progress.ID, progress.ProjectID, s.now().UTC())
		}
	default:
		var res *agreement.PairwiseResult
		if res, err = runner.Pairwise(ctx, params); err == nil {
			report = res.Report(progress.ID, progress.ProjectID, s.now().UTC())
		}
	}
	if err != nil {
		log.WithError(err).Error("agreement task failed")
		s.finishTask(monitor, progress, taskstate.StateFailed, err)
		return
	}

	// Results outlive shutdown, so persistence ignores the service context.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.tasks.SaveResult(persistCtx, progress.ID, report); err != nil {
		log.WithError(err).Error("save agreement result")
		s.finishTask(monitor, progress, taskstate.StateFailed, err)
		return
	}
	if err := s.saveReport(persistCtx, report, actor); err != nil {
		log.WithError(err).Warn("persist agreement report")
	}

	state := taskstate.StateDone
	if report.Cancelled {
		state = taskstate.StateCancelled
	}
	log.WithFields(logrus.Fields{
		"processed": len(report.Processed),
		"unrated":   len(report.Unrated),
		"skipped":   len(report.Skipped),
		"state":     state,
	}).Info("agreement task finished")
	s.finishTask(monitor, progress, state, nil)
}

func (s *Service) finishTask(monitor *taskstate.Monitor, progress taskstate.Progress, state taskstate.State, taskErr error) {
	if err := monitor.Finish(state, taskErr); err != nil {
		logrus.WithField("task", progress.ID).WithError(err).Warn("record task state")
	}
	s.metrics.ObserveTask(progress.Mode, string(state))
}

func (s *Service) saveReport(ctx context.Context, report agreement.Report, actor string) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return s.store.InsertReport(ctx, store.ReportRecord{
		ID:        report.ID,
		ProjectID: report.ProjectID,
		Mode:      report.Mode,
		Measure:   report.Measure,
		Cancelled: report.Cancelled,
		Report:    payload,
		CreatedBy: actor,
	})
}

func (s *Service) TaskProgress(ctx context.Context, actor Actor, taskID string) (taskstate.Progress, error) {
	if err := s.authorize(actor, rbac.ActionViewAgreement); err != nil {
		return taskstate.Progress{}, err
	}
	return s.tasks.LoadProgress(ctx, taskID)
}

// CancelTask raises the cancel flag; the task stops before its next document.
func (s *Service) CancelTask(ctx context.Context, actor Actor, taskID string) (taskstate.Progress, error) {
	if err := s.authorize(actor, rbac.ActionViewAgreement); err != nil {
		return taskstate.Progress{}, err
	}
	progress, err := s.tasks.LoadProgress(ctx, taskID)
	if err != nil {
		return taskstate.Progress{}, err
	}
	if isTerminal(progress.State) {
		return taskstate.Progress{}, domainError(http.StatusConflict, "TASK_FINISHED", "Task already finished", map[string]any{"state": progress.State})
	}
	if err := s.tasks.Cancel(ctx, taskID); err != nil {
		return taskstate.Progress{}, err
	}
	logrus.WithFields(logrus.Fields{"task": taskID, "actor": actor.Name}).Info("agreement task cancel requested")
	return progress, nil
}

func (s *Service) TaskResult(ctx context.Context, actor Actor, taskID string) (agreement.Report, error) {
	if err := s.authorize(actor, rbac.ActionViewAgreement); err != nil {
		return agreement.Report{}, err
	}
	var report agreement.Report
	err := s.tasks.LoadResult(ctx, taskID, &report)
	if errors.Is(err, taskstate.ErrNotFound) {
		progress, perr := s.tasks.LoadProgress(ctx, taskID)
		if perr != nil {
			return agreement.Report{}, perr
		}
		if !isTerminal(progress.State) {
			return agreement.Report{}, domainError(http.StatusConflict, "TASK_NOT_FINISHED", "Task has not finished", map[string]any{"state": progress.State})
		}
		return agreement.Report{}, domainError(http.StatusNotFound, "RESULT_NOT_FOUND", "Task produced no result", map[string]any{"error": progress.Error})
	}
	if err != nil {
		return agreement.Report{}, err
	}
	return report, nil
}

// ExportTask renders a finished report and archives the file when object storage is configured.
func (s *Service) ExportTask(ctx context.Context, actor Actor, taskID string, format export.Format) (*export.Result, error) {
	report, err := s.TaskResult(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}
	file, err := s.exporter.Export(ctx, report, format)
	if err != nil {
		return nil, err
	}
	if s.archive.Enabled() {
		key, err := s.archive.PutReport(ctx, report.ProjectID, report.ID, file)
		if err != nil {
			logrus.WithField("report", report.ID).WithError(err).Warn("archive report")
		} else if err := s.store.SetReportObjectKey(ctx, report.ID, key); err != nil {
			logrus.WithField("report", report.ID).WithError(err).Warn("record report object key")
		}
	}
	return file, nil
}

// DownloadReport returns an archived report file.
func (s *Service) DownloadReport(ctx context.Context, actor Actor, reportID string) (*export.Result, error) {
	if err := s.authorize(actor, rbac.ActionViewAgreement); err != nil {
		return nil, err
	}
	record, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if record.ObjectKey == "" {
		return nil, domainError(http.StatusNotFound, "REPORT_NOT_ARCHIVED", "Report has not been exported", nil)
	}
	data, err := s.archive.GetReport(ctx, record.ObjectKey)
	if err != nil {
		return nil, err
	}
	filename := path.Base(record.ObjectKey)
	mimeType := mime.TypeByExtension(path.Ext(filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &export.Result{Data: data, Filename: filename, MimeType: mimeType}, nil
}

func (s *Service) ListReports(ctx context.Context, actor Actor, projectID string, limit int) ([]map[string]any, error) {
	if err := s.authorize(actor, rbac.ActionViewAgreement); err != nil {
		return nil, err
	}
	records, err := s.store.ListReports(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, r := range records {
		items = append(items, map[string]any{
			"id":        r.ID,
			"projectId": r.ProjectID,
			"mode":      r.Mode,
			"measure":   r.Measure,
			"cancelled": r.Cancelled,
			"objectKey": r.ObjectKey,
			"createdBy": r.CreatedBy,
			"createdAt": r.CreatedAt,
		})
	}
	return items, nil
}

func isTerminal(state taskstate.State) bool {
	switch state {
	case taskstate.StateDone, taskstate.StateCancelled, taskstate.StateFailed:
		return true
	default:
		return false
	}
}
