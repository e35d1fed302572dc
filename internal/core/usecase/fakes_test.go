package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2025, 6, 18, 9, 30, 0, 0, time.UTC)

type patientsFake struct {
	known map[string]bool
	err   error
}

func (f *patientsFake) GetByID(_ context.Context, id string) (*domain.Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !f.known[id] {
		return nil, domain.WrapError(domain.ErrNotFound, "get patient", fmt.Errorf("patient %s", id))
	}
	return &domain.Patient{ID: id, Name: "Fido", IsActive: true}, nil
}

// diagnosticRepoFake enforces the same write-once rule as the postgres repository.
type diagnosticRepoFake struct {
	mu             sync.Mutex
	records        map[string]*domain.AnalysisRequest
	order          []string
	seq            map[string]int
	createErr      error
	seqErr         error
	getErr         error
	saveResultErr  error
	saveFailureErr error
	listErr        error
	resultSaves    int
	failureSaves   int
	lastOffset     int
	lastLimit      int
}

func newDiagnosticRepoFake() *diagnosticRepoFake {
	return &diagnosticRepoFake{
		records: make(map[string]*domain.AnalysisRequest),
		seq:     make(map[string]int),
	}
}

func (f *diagnosticRepoFake) Create(_ context.Context, req *domain.AnalysisRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.records[req.ID]; ok {
		return domain.WrapError(domain.ErrConflict, "create diagnostic", errors.New("duplicate id"))
	}
	copyReq := *req
	f.records[req.ID] = &copyReq
	f.order = append(f.order, req.ID)
	return nil
}

func (f *diagnosticRepoFake) GetByID(_ context.Context, id string) (*domain.AnalysisRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	req, ok := f.records[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get diagnostic", fmt.Errorf("diagnostic %s", id))
	}
	copyReq := *req
	return &copyReq, nil
}

func (f *diagnosticRepoFake) NextSequenceNumber(_ context.Context, patientID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seqErr != nil {
		return 0, f.seqErr
	}
	f.seq[patientID]++
	return f.seq[patientID], nil
}

func (f *diagnosticRepoFake) SaveResult(_ context.Context, id string, result json.RawMessage, info domain.ProcessingInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveResultErr != nil {
		return f.saveResultErr
	}
	req, ok := f.records[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "save result", fmt.Errorf("diagnostic %s", id))
	}
	if req.IsTerminal() {
		return domain.WrapError(domain.ErrAlreadyFinalized, "save result", fmt.Errorf("diagnostic %s", id))
	}
	f.resultSaves++
	req.Result = append(json.RawMessage(nil), result...)
	infoCopy := info
	req.Processing = &infoCopy
	return nil
}

func (f *diagnosticRepoFake) SaveFailure(_ context.Context, id string, failure domain.AnalysisFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveFailureErr != nil {
		return f.saveFailureErr
	}
	req, ok := f.records[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "save failure", fmt.Errorf("diagnostic %s", id))
	}
	if req.IsTerminal() {
		return domain.WrapError(domain.ErrAlreadyFinalized, "save failure", fmt.Errorf("diagnostic %s", id))
	}
	f.failureSaves++
	failureCopy := failure
	req.Error = &failureCopy
	return nil
}

func (f *diagnosticRepoFake) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]domain.AnalysisRequest, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit, f.lastOffset = limit, offset
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var all []domain.AnalysisRequest
	for i := len(f.order) - 1; i >= 0; i-- {
		req := f.records[f.order[i]]
		if req.PatientID == patientID {
			all = append(all, *req)
		}
	}
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (f *diagnosticRepoFake) LatestByPatient(_ context.Context, patientID string) (*domain.AnalysisRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		req := f.records[f.order[i]]
		if req.PatientID == patientID {
			copyReq := *req
			return &copyReq, nil
		}
	}
	return nil, domain.WrapError(domain.ErrNotFound, "latest diagnostic", fmt.Errorf("patient %s", patientID))
}

func (f *diagnosticRepoFake) record(id string) *domain.AnalysisRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.records[id]
	if !ok {
		return nil
	}
	copyReq := *req
	return &copyReq
}

type idsFake struct {
	mu   sync.Mutex
	next int
	err  error
}

func (f *idsFake) NextID(_ context.Context, entity string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if entity != DiagnosticEntity {
		return "", fmt.Errorf("unexpected entity %q", entity)
	}
	f.next++
	return fmt.Sprintf("DGN-%03d", f.next), nil
}

type storeFake struct {
	mu          sync.Mutex
	blobs       map[string][]byte
	storeErr    error
	retrieveErr error
	deleted     []string
}

func newStoreFake() *storeFake {
	return &storeFake{blobs: make(map[string][]byte)}
}

func (f *storeFake) Store(_ context.Context, filename string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return "", f.storeErr
	}
	handle := fmt.Sprintf("blob-%d-%s", len(f.blobs)+1, filename)
	f.blobs[handle] = append([]byte(nil), data...)
	return handle, nil
}

func (f *storeFake) Retrieve(_ context.Context, handle string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	data, ok := f.blobs[handle]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "retrieve blob", errors.New(handle))
	}
	return data, nil
}

func (f *storeFake) Delete(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, handle)
	delete(f.blobs, handle)
	return nil
}

type schedulerFake struct {
	tasks []func(context.Context)
	names []string
	err   error
}

func (f *schedulerFake) Schedule(name string, task func(context.Context)) error {
	if f.err != nil {
		return f.err
	}
	f.names = append(f.names, name)
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *schedulerFake) runAll(ctx context.Context) {
	tasks := f.tasks
	f.tasks = nil
	for _, task := range tasks {
		task(ctx)
	}
}

type rasterizerFake struct {
	mu         sync.Mutex
	pages      int
	err        error
	panicValue any
	outputDir  string
	pdfPath    string
	prefix     string
}

func (f *rasterizerFake) Rasterize(_ context.Context, pdfPath, outputDir, prefix string) ([]string, error) {
	f.mu.Lock()
	f.pdfPath, f.outputDir, f.prefix = pdfPath, outputDir, prefix
	f.mu.Unlock()
	if f.panicValue != nil {
		panic(f.panicValue)
	}
	if f.err != nil {
		return nil, f.err
	}
	images := make([]string, 0, f.pages)
	for i := 1; i <= f.pages; i++ {
		images = append(images, filepath.Join(outputDir, fmt.Sprintf("%s_page_%d.png", prefix, i)))
	}
	return images, nil
}

type visionFake struct {
	mu         sync.Mutex
	response   string
	err        error
	blockOnCtx bool
	images     []string
}

func (f *visionFake) Analyze(ctx context.Context, images []string) (string, error) {
	f.mu.Lock()
	f.images = append([]string(nil), images...)
	f.mu.Unlock()
	if f.blockOnCtx {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *visionFake) ModelVersion() string { return "gpt-4o" }

type publisherFake struct {
	mu     sync.Mutex
	events []domain.AnalysisEvent
}

func (f *publisherFake) PublishAnalysisEvent(_ context.Context, event domain.AnalysisEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type observerFake struct {
	noopObserver
	mu       sync.Mutex
	accepted int
	rejected []string
	finished []domain.AnalysisStatus
}

func (f *observerFake) SubmissionAccepted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted++
}

func (f *observerFake) SubmissionRejected(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, reason)
}

func (f *observerFake) AnalysisFinished(status domain.AnalysisStatus, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, status)
}

type pipelineFixture struct {
	patients   *patientsFake
	repo       *diagnosticRepoFake
	ids        *idsFake
	store      *storeFake
	scheduler  *schedulerFake
	rasterizer *rasterizerFake
	vision     *visionFake
	publisher  *publisherFake
	observer   *observerFake
	tracker    *PendingTracker
	processor  *ProcessAnalysisUseCase
	submitter  *SubmitAnalysisUseCase
}

func newPipelineFixture(submitOpts SubmitOptions, processOpts ProcessOptions) *pipelineFixture {
	clock := fixedClock{now: testNow}
	f := &pipelineFixture{
		patients:   &patientsFake{known: map[string]bool{"PAT-001": true, "PAT-002": true}},
		repo:       newDiagnosticRepoFake(),
		ids:        &idsFake{},
		store:      newStoreFake(),
		scheduler:  &schedulerFake{},
		rasterizer: &rasterizerFake{pages: 2},
		vision:     &visionFake{response: `{"summary":"ok","values":[{"name":"HCT","value":42.5}]}`},
		publisher:  &publisherFake{},
		observer:   &observerFake{},
	}
	f.tracker = NewPendingTracker(clock)

	processOpts.Clock = clock
	processOpts.Publisher = f.publisher
	processOpts.Observer = f.observer
	f.processor = NewProcessAnalysisUseCase(f.repo, f.store, f.rasterizer, f.vision, f.tracker, processOpts)

	submitOpts.Clock = clock
	submitOpts.Observer = f.observer
	f.submitter = NewSubmitAnalysisUseCase(f.patients, f.repo, f.ids, f.store, f.scheduler, f.processor, f.tracker, submitOpts)
	return f
}

func pdfCommand(patientID string) domain.SubmitCommand {
	return domain.SubmitCommand{
		Filename:    "bloodwork.pdf",
		ContentType: "application/pdf",
		PatientID:   patientID,
		Actor:       domain.Actor{ID: "VET-001"},
	}
}
