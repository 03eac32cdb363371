package imagequeue

import (
	"context"
	"errors"
	"fmt"
)

// process runs one task through both backends, the index update, side
// effects and persistence. Each step degrades independently.
func (q *Queue) process(ctx context.Context, task *ImageTask) Outcome {
	out := Outcome{
		TaskID:      task.ID,
		SubmitterID: task.SubmitterID,
		Origin:      task.Origin,
	}

	q.setState(StateClassifying)
	objects := q.detect(ctx, q.cfg.ObjectDetector, task)
	var policy []Label
	if !q.cfg.DisablePolicy {
		policy = q.detect(ctx, q.cfg.PolicyDetector, task)
	}

	q.setState(StatePersisting)
	meta := q.merge(task, objects, policy)
	out.Metadata = meta
	out.Classification = meta.Classification()

	q.mu.Lock()
	updated := q.index.Update(task.Token, out.Classification)
	q.mu.Unlock()
	if !updated {
		q.log.Debug("imagequeue: entry evicted before classification", "task", task.ID)
	}

	out.Effects = q.applyEffects(ctx, task.Origin, meta)
	for _, r := range out.Effects {
		if r.Action == ActionDelete && r.OK() {
			out.Deleted = true
		}
	}

	out.Recorded, out.RecordErr = q.persist(ctx, task.Origin, meta, out.Deleted)
	return out
}

// detect calls one backend. Errors are logged and count as no detections.
func (q *Queue) detect(ctx context.Context, d Detector, task *ImageTask) []Label {
	if d == nil {
		return nil
	}
	labels, err := q.safeDetect(ctx, d, task.Image)
	if err != nil {
		q.log.Warn("imagequeue: backend failed", "backend", d.Name(), "task", task.ID, "error", err.Error())
		return nil
	}
	q.log.Debug("imagequeue: backend result", "backend", d.Name(), "task", task.ID, "labels", len(labels))
	return labels
}

// safeDetect turns a backend panic into an error so the other backend and
// the remaining steps still run.
func (q *Queue) safeDetect(ctx context.Context, d Detector, image []byte) (labels []Label, err error) {
	defer func() {
		if r := recover(); r != nil {
			if q.cfg.OnPanic != nil {
				q.cfg.OnPanic("detect:"+d.Name(), r)
			}
			labels, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrBackend, d.Name(), r)
		}
	}()
	return d.Detect(ctx, image)
}

// merge folds both backend results into one record.
func (q *Queue) merge(task *ImageTask, objects, policy []Label) Metadata {
	meta := Metadata{
		Hash:         task.Hash.String(),
		Image:        ExtractImageMetadata(task.Image),
		ClassifiedAt: q.cfg.Clock(),
	}

	if passed := FilterByConfidence(objects, q.cfg.ObjectConfidence); len(passed) > 0 {
		meta.IsObjectImage = true
		meta.DetectionCount = len(passed)
		meta.Detections = passed
	}

	if len(policy) > 0 {
		meta.PolicyScores = make(map[string]float64, len(policy))
		for _, l := range policy {
			meta.PolicyScores[l.Name] = l.Confidence
		}
		if dom, ok := DominantLabel(policy); ok {
			meta.PolicyDominant = dom.Name
			meta.PolicyDominantScore = dom.Confidence
			meta.IsPolicyFlagged = ParsePolicyCategory(dom.Name).Flagged()
			if dom.Verdict != nil {
				meta.IsPolicyFlagged = *dom.Verdict
			}
		}
		meta.PolicyType = PolicyVerdict(policy, q.cfg.PolicyConfidence)
	}
	return meta
}

// applyEffects marks object images and either deletes or marks flagged ones.
func (q *Queue) applyEffects(ctx context.Context, origin Origin, meta Metadata) []EffectResult {
	if q.cfg.Effector == nil {
		return nil
	}

	var results []EffectResult
	if meta.IsObjectImage {
		results = append(results, q.mark(ctx, origin, MarkerObject))
	}

	if meta.PolicyType.Flagged() {
		if q.cfg.AutoDelete {
			results = append(results, q.remove(ctx, origin))
		} else if marker, ok := markerFor(meta.PolicyType); ok {
			results = append(results, q.mark(ctx, origin, marker))
		}
	}
	return results
}

func (q *Queue) mark(ctx context.Context, origin Origin, marker MarkerKind) EffectResult {
	err := q.cfg.Effector.ApplyMarker(ctx, origin, marker)
	if err != nil {
		q.log.Debug("imagequeue: marker rejected", "origin", origin.String(), "marker", marker.String(), "error", err.Error())
	}
	return EffectResult{Action: ActionMarker, Marker: marker, Err: err}
}

func (q *Queue) remove(ctx context.Context, origin Origin) EffectResult {
	err := q.cfg.Effector.DeleteMessage(ctx, origin)
	if err != nil {
		q.log.Debug("imagequeue: delete rejected", "origin", origin.String(), "error", err.Error())
	} else {
		q.deleted.Add(1)
		q.log.Info("imagequeue: deleted flagged message", "origin", origin.String())
	}
	return EffectResult{Action: ActionDelete, Err: err}
}

// persist records metadata and the deletion flag. Failures are logged and
// never undo side effects.
func (q *Queue) persist(ctx context.Context, origin Origin, meta Metadata, deleted bool) (bool, error) {
	if q.cfg.Recorder == nil {
		return false, nil
	}

	var errs []error
	recorded := false
	if !meta.Empty() {
		if err := q.cfg.Recorder.Record(ctx, origin, meta); err != nil {
			q.log.Error("imagequeue: record failed", "origin", origin.String(), "error", err.Error())
			errs = append(errs, err)
		} else {
			recorded = true
		}
	}
	if deleted {
		if err := q.cfg.Recorder.MarkDeleted(ctx, origin); err != nil {
			q.log.Error("imagequeue: mark deleted failed", "origin", origin.String(), "error", err.Error())
			errs = append(errs, err)
		}
	}
	return recorded, errors.Join(errs...)
}

// deleteDuplicate handles a near-duplicate of a flagged image on the
// admission path: delete now, never reclassify.
func (q *Queue) deleteDuplicate(ctx context.Context, submitterID int64, origin Origin, m Match) {
	out := Outcome{
		SubmitterID:    submitterID,
		Origin:         origin,
		Duplicate:      true,
		Classification: m.Classification,
	}
	if q.cfg.Effector != nil {
		res := q.remove(ctx, origin)
		out.Effects = []EffectResult{res}
		out.Deleted = res.OK()
	}
	if out.Deleted && q.cfg.Recorder != nil {
		if err := q.cfg.Recorder.MarkDeleted(ctx, origin); err != nil {
			q.log.Error("imagequeue: mark deleted failed", "origin", origin.String(), "error", err.Error())
			out.RecordErr = err
		}
	}
	q.emit(out)
}
