package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/tidesk/tidesk/internal/extract"
	"github.com/tidesk/tidesk/internal/provider"
	"github.com/tidesk/tidesk/internal/store"
)

// fakeStore is an in-memory Store capturing everything the ingestor
// writes.
type fakeStore struct {
	mu       sync.Mutex
	docs     map[uuid.UUID]store.Document
	agents   map[uuid.UUID]store.Agent
	chunks   map[uuid.UUID][]store.Chunk
	usage    []store.UsageRecord
	statuses []store.DocumentStatus
	errMsgs  []string

	failInsertAt int // chunk index whose insert fails; -1 = never
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:         make(map[uuid.UUID]store.Document),
		agents:       make(map[uuid.UUID]store.Agent),
		chunks:       make(map[uuid.UUID][]store.Chunk),
		failInsertAt: -1,
	}
}

func (f *fakeStore) GetDocument(_ context.Context, id uuid.UUID) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return store.Document{}, store.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *fakeStore) GetAgent(_ context.Context, id uuid.UUID) (store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[id]
	if !ok {
		return store.Agent{}, store.ErrAgentNotFound
	}
	return agent, nil
}

func (f *fakeStore) SetDocumentStatus(_ context.Context, id uuid.UUID, status store.DocumentStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return store.ErrDocumentNotFound
	}
	doc.Status = status
	doc.ErrorMessage = errMsg
	f.docs[id] = doc
	f.statuses = append(f.statuses, status)
	f.errMsgs = append(f.errMsgs, errMsg)
	return nil
}

func (f *fakeStore) DeleteChunks(_ context.Context, documentID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.chunks[documentID]))
	delete(f.chunks, documentID)
	return n, nil
}

func (f *fakeStore) InsertChunk(_ context.Context, chunk store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chunk.Index == f.failInsertAt {
		return fmt.Errorf("connection reset")
	}
	f.chunks[chunk.DocumentID] = append(f.chunks[chunk.DocumentID], chunk)
	return nil
}

func (f *fakeStore) AddUsage(_ context.Context, rec store.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, rec)
	return nil
}

func (f *fakeStore) document(id uuid.UUID) store.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

// fakeEmbedder returns fixed-width vectors and tracks concurrency so
// tests can assert same-document runs never overlap.
type fakeEmbedder struct {
	failAt      int32 // call number (0-based) that fails; -1 = never
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (provider.Embedding, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	n := f.calls.Add(1) - 1
	if n == f.failAt {
		return provider.Embedding{}, &provider.Error{Provider: provider.NameOpenAI, Detail: "rate limit exceeded"}
	}
	return provider.Embedding{
		Vector:      make([]float32, 3),
		InputTokens: len(text) / 4,
		Estimated:   true,
	}, nil
}

func (f *fakeEmbedder) Model() string { return "fake-embed" }

type fakeResolver struct {
	embedder provider.Embedder

	mu       sync.Mutex
	resolved []string
}

func (r *fakeResolver) Embedder(name string) (provider.Embedder, error) {
	r.mu.Lock()
	r.resolved = append(r.resolved, name)
	r.mu.Unlock()
	if r.embedder == nil {
		return nil, provider.ErrUnknownProvider
	}
	return r.embedder, nil
}

type fakeFetcher struct {
	data  []byte
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(context.Context, string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func newTestIngestor(st Store, fetcher Fetcher, embedder provider.Embedder) (*Ingestor, *fakeResolver) {
	resolver := &fakeResolver{embedder: embedder}
	ing := New(st, fetcher, resolver, Options{DefaultProvider: "gemini", ChunkSize: 1000})
	return ing, resolver
}

func addDocument(st *fakeStore, agentID *uuid.UUID) store.Document {
	doc := store.Document{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		AgentID:     agentID,
		Filename:    "handbook.txt",
		StoragePath: "uploads/handbook.txt",
		Status:      store.StatusUploaded,
	}
	st.docs[doc.ID] = doc
	return doc
}

func TestRunHappyPath(t *testing.T) {
	st := newFakeStore()
	doc := addDocument(st, nil)
	embedder := &fakeEmbedder{failAt: -1}
	ing, resolver := newTestIngestor(st, &fakeFetcher{}, embedder)

	text := strings.Repeat("a", 2500)
	count, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: text})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if count != 3 {
		t.Errorf("chunk count = %d, want 3", count)
	}

	chunks := st.chunks[doc.ID]
	if len(chunks) != 3 {
		t.Fatalf("persisted chunks = %d, want 3", len(chunks))
	}
	wantLens := []int{1000, 1000, 500}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk[%d].Index = %d", i, c.Index)
		}
		if len(c.Content) != wantLens[i] {
			t.Errorf("chunk[%d] length = %d, want %d", i, len(c.Content), wantLens[i])
		}
		if c.TenantID != doc.TenantID {
			t.Errorf("chunk[%d].TenantID = %v, want %v", i, c.TenantID, doc.TenantID)
		}
	}

	if len(st.usage) != 3 {
		t.Fatalf("usage records = %d, want 3", len(st.usage))
	}
	for i, rec := range st.usage {
		if rec.Operation != store.OpIngest {
			t.Errorf("usage[%d].Operation = %q", i, rec.Operation)
		}
		if rec.ModelName != "fake-embed" {
			t.Errorf("usage[%d].ModelName = %q", i, rec.ModelName)
		}
		if got := rec.Metadata["chunk_index"]; got != i {
			t.Errorf("usage[%d] chunk_index = %v, want %d", i, got, i)
		}
		if got := rec.Metadata["document_id"]; got != doc.ID.String() {
			t.Errorf("usage[%d] document_id = %v", i, got)
		}
	}

	wantStatuses := []store.DocumentStatus{store.StatusProcessing, store.StatusReady}
	if len(st.statuses) != len(wantStatuses) {
		t.Fatalf("status transitions = %v, want %v", st.statuses, wantStatuses)
	}
	for i := range wantStatuses {
		if st.statuses[i] != wantStatuses[i] {
			t.Errorf("status[%d] = %q, want %q", i, st.statuses[i], wantStatuses[i])
		}
	}

	if got := resolver.resolved; len(got) != 1 || got[0] != "gemini" {
		t.Errorf("resolved providers = %v, want [gemini]", got)
	}
}

func TestRunDocumentNotFound(t *testing.T) {
	st := newFakeStore()
	ing, _ := newTestIngestor(st, &fakeFetcher{}, &fakeEmbedder{failAt: -1})

	_, err := ing.Run(context.Background(), Request{DocumentID: uuid.New(), Text: "hello"})
	if !errors.Is(err, store.ErrDocumentNotFound) {
		t.Fatalf("Run() error = %v, want ErrDocumentNotFound", err)
	}
	if len(st.statuses) != 0 {
		t.Errorf("status transitions = %v, want none", st.statuses)
	}
}

func TestRunEmptyDocument(t *testing.T) {
	st := newFakeStore()
	doc := addDocument(st, nil)
	ing, _ := newTestIngestor(st, &fakeFetcher{}, &fakeEmbedder{failAt: -1})

	_, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: "   \n\t "})
	if !errors.Is(err, extract.ErrEmptyDocument) {
		t.Fatalf("Run() error = %v, want ErrEmptyDocument", err)
	}

	got := st.document(doc.ID)
	if got.Status != store.StatusError {
		t.Errorf("final status = %q, want error", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("error message not persisted")
	}
	if len(st.usage) != 0 {
		t.Errorf("usage records = %d, want 0 (no embedding calls before extraction check)", len(st.usage))
	}
}

func TestRunProviderErrorMidLoop(t *testing.T) {
	st := newFakeStore()
	doc := addDocument(st, nil)
	embedder := &fakeEmbedder{failAt: 1}
	ing, _ := newTestIngestor(st, &fakeFetcher{}, embedder)

	text := strings.Repeat("b", 2500)
	_, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: text})
	var provErr *provider.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("Run() error = %v, want *provider.Error", err)
	}

	// Best-effort partial ingestion: chunk 0 stays, 1 and 2 never land.
	if got := len(st.chunks[doc.ID]); got != 1 {
		t.Errorf("persisted chunks = %d, want 1", got)
	}
	if got := len(st.usage); got != 1 {
		t.Errorf("usage records = %d, want 1", got)
	}

	final := st.document(doc.ID)
	if final.Status != store.StatusError {
		t.Errorf("final status = %q, want error", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "rate limit exceeded") {
		t.Errorf("error message %q does not carry provider detail", final.ErrorMessage)
	}
}

func TestRunInsertErrorMidLoop(t *testing.T) {
	st := newFakeStore()
	st.failInsertAt = 1
	doc := addDocument(st, nil)
	ing, _ := newTestIngestor(st, &fakeFetcher{}, &fakeEmbedder{failAt: -1})

	_, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: strings.Repeat("c", 2500)})
	if err == nil {
		t.Fatal("Run() succeeded, want insert failure")
	}
	if got := len(st.chunks[doc.ID]); got != 1 {
		t.Errorf("persisted chunks = %d, want 1", got)
	}
	if got := st.document(doc.ID).Status; got != store.StatusError {
		t.Errorf("final status = %q, want error", got)
	}
}

func TestRunReingestReplacesChunks(t *testing.T) {
	st := newFakeStore()
	doc := addDocument(st, nil)
	ing, _ := newTestIngestor(st, &fakeFetcher{}, &fakeEmbedder{failAt: -1})

	text := strings.Repeat("d", 2500)
	for run := 0; run < 2; run++ {
		count, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: text})
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if count != 3 {
			t.Fatalf("run %d: count = %d, want 3", run, count)
		}
	}

	if got := len(st.chunks[doc.ID]); got != 3 {
		t.Errorf("chunks after re-ingest = %d, want 3 (no duplicates)", got)
	}
	if got := st.document(doc.ID).Status; got != store.StatusReady {
		t.Errorf("final status = %q, want ready", got)
	}
}

func TestRunBypassTextSkipsFetcher(t *testing.T) {
	st := newFakeStore()
	doc := addDocument(st, nil)
	fetcher := &fakeFetcher{err: fmt.Errorf("must not be called")}
	ing, _ := newTestIngestor(st, fetcher, &fakeEmbedder{failAt: -1})

	if _, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: "inline knowledge"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fetcher.calls.Load() != 0 {
		t.Error("fetcher was called despite bypass text")
	}
}

func TestRunStorageError(t *testing.T) {
	st := newFakeStore()
	doc := addDocument(st, nil)
	fetcher := &fakeFetcher{err: fmt.Errorf("bucket unreachable")}
	ing, _ := newTestIngestor(st, fetcher, &fakeEmbedder{failAt: -1})

	_, err := ing.Run(context.Background(), Request{DocumentID: doc.ID})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Run() error = %v, want ErrStorage", err)
	}
	if got := st.document(doc.ID).Status; got != store.StatusError {
		t.Errorf("final status = %q, want error", got)
	}
}

func TestRunFetchesAndExtracts(t *testing.T) {
	st := newFakeStore()
	doc := addDocument(st, nil)
	fetcher := &fakeFetcher{data: []byte("stored file contents")}
	ing, _ := newTestIngestor(st, fetcher, &fakeEmbedder{failAt: -1})

	count, err := ing.Run(context.Background(), Request{DocumentID: doc.ID})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if got := st.chunks[doc.ID][0].Content; got != "stored file contents" {
		t.Errorf("chunk content = %q", got)
	}
}

func TestRunAgentProviderSelection(t *testing.T) {
	st := newFakeStore()
	agent := store.Agent{ID: uuid.New(), Provider: "openai", ModelName: "gpt-4o-mini"}
	st.agents[agent.ID] = agent
	doc := addDocument(st, &agent.ID)
	ing, resolver := newTestIngestor(st, &fakeFetcher{}, &fakeEmbedder{failAt: -1})

	if _, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: "hello"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := resolver.resolved; len(got) != 1 || got[0] != "openai" {
		t.Errorf("resolved providers = %v, want [openai]", got)
	}
}

func TestRunAgentMissing(t *testing.T) {
	st := newFakeStore()
	missing := uuid.New()
	doc := addDocument(st, &missing)
	ing, _ := newTestIngestor(st, &fakeFetcher{}, &fakeEmbedder{failAt: -1})

	_, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: "hello"})
	if !errors.Is(err, store.ErrAgentNotFound) {
		t.Fatalf("Run() error = %v, want ErrAgentNotFound", err)
	}
	if len(st.statuses) != 0 {
		t.Errorf("status transitions = %v, want none before processing", st.statuses)
	}
}

func TestRunUnknownProvider(t *testing.T) {
	st := newFakeStore()
	doc := addDocument(st, nil)
	ing, _ := newTestIngestor(st, &fakeFetcher{}, nil)

	_, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: "hello"})
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("Run() error = %v, want ErrUnknownProvider", err)
	}
	if len(st.statuses) != 0 {
		t.Errorf("status transitions = %v, want none", st.statuses)
	}
}

func TestRunSameDocumentSerialized(t *testing.T) {
	st := newFakeStore()
	doc := addDocument(st, nil)
	embedder := &fakeEmbedder{failAt: -1}
	ing, _ := newTestIngestor(st, &fakeFetcher{}, embedder)

	text := strings.Repeat("e", 5000)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ing.Run(context.Background(), Request{DocumentID: doc.ID, Text: text}); err != nil {
				t.Errorf("concurrent run: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := embedder.maxInFlight.Load(); got > 1 {
		t.Errorf("max concurrent embeds for one document = %d, want 1", got)
	}
	if got := len(st.chunks[doc.ID]); got != 5 {
		t.Errorf("chunks after concurrent re-ingest = %d, want 5", got)
	}
}
