package metrics

import (
	"context"

	"github.com/agentsh/warden/internal/store"
)

type wrappedLearningStore struct {
	store.LearningStore
	c *Collector
}

// WrapLearningStore observes every fix record as it is persisted, so metrics
// and the learning history never disagree.
func WrapLearningStore(inner store.LearningStore, c *Collector) store.LearningStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		return inner
	}
	return &wrappedLearningStore{LearningStore: inner, c: c}
}

func (w *wrappedLearningStore) RecordFix(ctx context.Context, rec store.FixRecord) error {
	w.c.ObserveFix(rec.Strategy, rec.Success, rec.Duration, rec.Confidence)
	return w.LearningStore.RecordFix(ctx, rec)
}

type wrappedRecordLog struct {
	inner store.RecordLog
	c     *Collector
}

// WrapRecordLog counts forensic records by class after a successful append.
func WrapRecordLog(inner store.RecordLog, c *Collector) store.RecordLog {
	if inner == nil {
		return nil
	}
	if c == nil {
		return inner
	}
	return &wrappedRecordLog{inner: inner, c: c}
}

func (w *wrappedRecordLog) Append(ctx context.Context, class string, record any) error {
	if err := w.inner.Append(ctx, class, record); err != nil {
		return err
	}
	w.c.IncForensic(class)
	return nil
}

func (w *wrappedRecordLog) Close() error { return w.inner.Close() }
