package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"shelfscan/internal/exif"
	"shelfscan/internal/models"
	"shelfscan/internal/observability/metrics"
	"shelfscan/internal/storage"
	"shelfscan/internal/vision"
)

type PhotoProcessorConfig struct {
	Store     storage.Repository
	Analyzer  vision.Analyzer
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger
}

type photoRef struct {
	LibraryID string
	PhotoID   string
}

// PhotoProcessor runs uploaded photos through EXIF extraction and the vision
// backend on a small worker pool so uploads return immediately.
type PhotoProcessor struct {
	store    storage.Repository
	analyzer vision.Analyzer
	workers  int
	timeout  time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan photoRef
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[photoRef]struct{}
	started  bool
}

const (
	defaultPhotoWorkers   = 2
	defaultPhotoQueueSize = 64
	defaultPhotoTimeout   = 2 * time.Minute
)

func NewPhotoProcessor(cfg PhotoProcessorConfig) *PhotoProcessor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultPhotoWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultPhotoQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPhotoTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	analyzer := cfg.Analyzer
	if analyzer == nil {
		analyzer = vision.NoopAnalyzer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PhotoProcessor{
		store:    cfg.Store,
		analyzer: analyzer,
		workers:  workers,
		timeout:  timeout,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan photoRef, queueSize),
		inFlight: make(map[photoRef]struct{}),
	}
}

func (p *PhotoProcessor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.recoverPending()
}

func (p *PhotoProcessor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PhotoProcessor) Enqueue(libraryID, photoID string) {
	if p == nil || strings.TrimSpace(libraryID) == "" || strings.TrimSpace(photoID) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.queue <- photoRef{LibraryID: libraryID, PhotoID: photoID}:
		metrics.SetAnalysisQueueDepth(len(p.queue))
	case <-p.ctx.Done():
	}
}

func (p *PhotoProcessor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ref := <-p.queue:
			metrics.SetAnalysisQueueDepth(len(p.queue))
			if !p.beginWork(ref) {
				continue
			}
			p.processPhoto(ref)
			p.finishWork(ref)
		}
	}
}

func (p *PhotoProcessor) beginWork(ref photoRef) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[ref]; exists {
		return false
	}
	p.inFlight[ref] = struct{}{}
	return true
}

func (p *PhotoProcessor) finishWork(ref photoRef) {
	p.mu.Lock()
	delete(p.inFlight, ref)
	p.mu.Unlock()
}

// recoverPending re-enqueues records that were interrupted mid-analysis by a
// previous shutdown.
func (p *PhotoProcessor) recoverPending() {
	if p.store == nil {
		return
	}
	pending, err := p.store.PendingPhotos()
	if err != nil {
		p.logger.Error("failed to list pending photos", "error", err)
		return
	}
	for _, photo := range pending {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.Enqueue(photo.LibraryID, photo.ID)
	}
}

func (p *PhotoProcessor) processPhoto(ref photoRef) {
	if p.store == nil {
		return
	}
	photo, ok := p.store.GetPhoto(ref.LibraryID, ref.PhotoID)
	if !ok {
		return
	}
	switch photo.Analysis.Status {
	case models.AnalysisStatusReady, models.AnalysisStatusFailed, models.AnalysisStatusSkipped:
		return
	}

	processing := models.AnalysisStatusProcessing
	if _, err := p.store.UpdatePhoto(ref.LibraryID, ref.PhotoID, storage.PhotoUpdate{AnalysisStatus: &processing}); err != nil {
		p.logger.Error("failed to mark photo processing", "library_id", ref.LibraryID, "photo_id", ref.PhotoID, "error", err)
		return
	}

	path, err := p.store.PhotoFilePath(ref.LibraryID, photo.StoredName)
	if err != nil {
		p.failPhoto(ref, nil, err)
		return
	}
	image, err := os.ReadFile(path)
	if err != nil {
		p.failPhoto(ref, nil, err)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	var (
		captureDate    time.Time
		hasCaptureDate bool
		result         vision.Result
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		captureDate, hasCaptureDate = exif.CaptureDate(bytes.NewReader(image))
		return nil
	})
	group.Go(func() error {
		if !p.analyzer.Enabled() {
			return nil
		}
		var analyzeErr error
		result, analyzeErr = p.analyzer.AnalyzeImage(groupCtx, image, photo.OriginalName)
		return analyzeErr
	})
	err = group.Wait()

	var capturePtr *time.Time
	if hasCaptureDate {
		capturePtr = &captureDate
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
				err = ctxErr
			}
		}
		p.failPhoto(ref, capturePtr, err)
		return
	}

	completedAt := time.Now().UTC()
	analysis := models.Analysis{
		Status:      models.AnalysisStatusReady,
		Books:       result.Books,
		Raw:         result.Raw,
		CompletedAt: &completedAt,
	}
	if !p.analyzer.Enabled() {
		analysis = models.Analysis{
			Status:      models.AnalysisStatusSkipped,
			Reason:      "analysis backend not configured",
			CompletedAt: &completedAt,
		}
	}

	if _, err := p.store.UpdatePhoto(ref.LibraryID, ref.PhotoID, storage.PhotoUpdate{
		Analysis:    &analysis,
		CaptureDate: capturePtr,
	}); err != nil {
		p.logger.Error("failed to record analysis", "library_id", ref.LibraryID, "photo_id", ref.PhotoID, "error", err)
		return
	}
	metrics.ObserveAnalysis(analysis.Status)
	p.logger.Info("photo analyzed",
		"library_id", ref.LibraryID,
		"photo_id", ref.PhotoID,
		"status", analysis.Status,
		"books", len(analysis.Books))
}

func (p *PhotoProcessor) failPhoto(ref photoRef, captureDate *time.Time, cause error) {
	completedAt := time.Now().UTC()
	analysis := models.Analysis{
		Status:      models.AnalysisStatusFailed,
		Reason:      strings.TrimSpace(cause.Error()),
		CompletedAt: &completedAt,
	}
	if _, err := p.store.UpdatePhoto(ref.LibraryID, ref.PhotoID, storage.PhotoUpdate{
		Analysis:    &analysis,
		CaptureDate: captureDate,
	}); err != nil {
		p.logger.Error("failed to record analysis failure", "library_id", ref.LibraryID, "photo_id", ref.PhotoID, "error", err, "failure", cause)
		return
	}
	metrics.ObserveAnalysis(models.AnalysisStatusFailed)
	p.logger.Error("photo analysis failed", "library_id", ref.LibraryID, "photo_id", ref.PhotoID, "error", cause)
}
