package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
	"switchboard/internal/usecase/multiagent"
)

type fakeBackend struct {
	calls   int
	results []SearchResult
	err     error
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) Search(_ context.Context, _ string, _ int, _ string) ([]SearchResult, error) {
	f.calls++
	return f.results, f.err
}

func TestWebSearchCitesResultsAndCaches(t *testing.T) {
	backend := &fakeBackend{results: []SearchResult{
		{Title: "Go", URL: "https://go.dev", Content: "The Go language", Engine: "ddg"},
		{Title: "Tour", URL: "https://go.dev/tour", Content: "A tour", Engine: "ddg"},
	}}
	ws := NewWebSearchTool(backend, 0, testLogger())

	var progress []string
	ctx := domain.ContextWithProgress(context.Background(), func(p string) { progress = append(progress, p) })

	res, err := ws.Execute(ctx, json.RawMessage(`{"query":"golang","count":1}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "https://go.dev")
	assert.NotContains(t, res.Content, "tour")
	require.Len(t, res.Citations, 1)
	assert.Equal(t, domain.Citation{Title: "Go", URL: "https://go.dev", Source: "ddg"}, res.Citations[0])
	assert.Equal(t, []string{"searching fake"}, progress)

	_, err = ws.Execute(ctx, json.RawMessage(`{"query":"golang","count":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls)
}

func TestWebSearchRejectsBadInput(t *testing.T) {
	ws := NewWebSearchTool(&fakeBackend{}, 0, testLogger())

	res, err := ws.Execute(context.Background(), json.RawMessage(`{"query":"  "}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = ws.Execute(context.Background(), json.RawMessage(`{"query":"x","time_range":"decade"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSearXNGBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "week", r.URL.Query().Get("time_range"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"A","url":"https://a.example","content":"a","engine":"bing"},
			{"title":"B","url":"https://b.example","content":"b","engine":"bing"}
		]}`))
	}))
	defer srv.Close()

	b := NewSearXNGBackend(srv.URL+"/", srv.Client(), testLogger())
	results, err := b.Search(context.Background(), "golang", 1, "week")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://a.example", results[0].URL)
}

func TestSearXNGBackendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSearXNGBackend(srv.URL, srv.Client(), testLogger()).Search(context.Background(), "q", 3, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type fakeDelegator struct {
	mu   sync.Mutex
	reqs []multiagent.DelegateRequest
	res  *domain.DelegationResult
	err  error
}

func (f *fakeDelegator) Delegate(_ context.Context, req multiagent.DelegateRequest) (*domain.DelegationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

func newSpecialistRegistry(t *testing.T) *multiagent.Registry {
	t.Helper()
	reg, err := multiagent.NewRegistry(multiagent.BuiltinTemplates(), nil, testLogger())
	require.NoError(t, err)
	return reg
}

func TestDelegateToolPassesContext(t *testing.T) {
	del := &fakeDelegator{res: &domain.DelegationResult{
		AgentName: "Scout #1",
		Type:      "researcher",
		Content:   "found it",
		Collapsed: true,
		Citations: []domain.Citation{{URL: "https://src.example"}},
	}}
	dt := NewDelegateTool(del, newSpecialistRegistry(t), testLogger())

	ctx := context.Background()
	ctx = domain.ContextWithConversationID(ctx, "c1")
	ctx = domain.ContextWithCallerKey(ctx, "sup:c1")
	ctx = domain.ContextWithWorkflowID(ctx, "wf")

	res, err := dt.Execute(ctx, json.RawMessage(`{"specialist":"Scout","mission":"find prior art"}`))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	var out delegateOutput
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.Equal(t, delegateOutput{Agent: "Scout #1", Type: "researcher", Content: "found it", Collapsed: true}, out)
	assert.Equal(t, []domain.Citation{{URL: "https://src.example"}}, res.Citations)

	require.Len(t, del.reqs, 1)
	req := del.reqs[0]
	assert.Equal(t, domain.SupervisorType, req.Source)
	assert.Equal(t, domain.SpecialistType("researcher"), req.Target)
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, "sup:c1", req.CallerKey)
	assert.Equal(t, "wf", req.WorkflowID)
	assert.Equal(t, "find prior art", req.Message.Content)
	assert.False(t, req.ViaCommand)
}

func TestDelegateToolUsesWorkerTypeAsSource(t *testing.T) {
	del := &fakeDelegator{res: &domain.DelegationResult{Content: "ok"}}
	dt := NewDelegateTool(del, newSpecialistRegistry(t), testLogger())

	ctx := domain.ContextWithSpecialistType(context.Background(), "coder")
	_, err := dt.Execute(ctx, json.RawMessage(`{"specialist":"researcher","mission":"look it up"}`))
	require.NoError(t, err)
	require.Len(t, del.reqs, 1)
	assert.Equal(t, domain.SpecialistType("coder"), del.reqs[0].Source)
}

func TestDelegateToolFailures(t *testing.T) {
	del := &fakeDelegator{err: &multiagent.DelegationDeniedError{Source: "writer", Target: "coder", Rule: multiagent.RuleNotDelegateCapable}}
	dt := NewDelegateTool(del, newSpecialistRegistry(t), testLogger())

	res, err := dt.Execute(context.Background(), json.RawMessage(`{"specialist":"nobody","mission":"x"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown specialist")
	assert.Empty(t, del.reqs)

	res, err = dt.Execute(context.Background(), json.RawMessage(`{"specialist":"coder","mission":"x"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "delegation failed")
}

func TestDelegateToolSchemaListsAutoDelegatable(t *testing.T) {
	dt := NewDelegateTool(&fakeDelegator{}, newSpecialistRegistry(t), testLogger())
	desc := dt.Schema().Description
	assert.Contains(t, desc, "researcher")
	assert.NotContains(t, desc, "archivist")
}

func TestSpecialistsTool(t *testing.T) {
	st := NewSpecialistsTool(newSpecialistRegistry(t), testLogger())
	res, err := st.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, res.IsError)

	var infos []specialistInfo
	require.NoError(t, json.Unmarshal([]byte(res.Content), &infos))
	byType := make(map[string]specialistInfo)
	for _, in := range infos {
		byType[in.Type] = in
	}
	assert.Equal(t, "research", byType["researcher"].Command)
	assert.True(t, byType["researcher"].Auto)
	assert.False(t, byType["archivist"].Auto)
}

type memRepo struct {
	notes []domain.MemoryNote
}

func (m *memRepo) Write(_ context.Context, note domain.MemoryNote) error {
	m.notes = append(m.notes, note)
	return nil
}

func (m *memRepo) Search(_ context.Context, query string, limit int) ([]domain.MemoryNote, error) {
	var out []domain.MemoryNote
	for _, n := range m.notes {
		if strings.Contains(strings.ToLower(n.Content), strings.ToLower(query)) && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func TestMemoryTools(t *testing.T) {
	repo := &memRepo{}
	write := NewMemoryWriteTool(repo, testLogger())
	search := NewMemorySearchTool(repo, testLogger())

	ctx := domain.ContextWithSpecialistType(context.Background(), "archivist")
	res, err := write.Execute(ctx, json.RawMessage(`{"content":"  Deploys happen on Tuesdays ","tags":["ops"]}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, repo.notes, 1)
	assert.Equal(t, "Deploys happen on Tuesdays", repo.notes[0].Content)
	assert.Equal(t, "archivist", repo.notes[0].Author)

	res, err = search.Execute(ctx, json.RawMessage(`{"query":"deploys"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Content, "Tuesdays")

	res, err = search.Execute(ctx, json.RawMessage(`{"query":"holidays"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Content, "No notes match")

	res, err = write.Execute(ctx, json.RawMessage(`{"content":"`+strings.Repeat("x", maxNoteLength+1)+`"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
