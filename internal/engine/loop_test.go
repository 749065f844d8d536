package engine

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/todo-chat/internal/persistence"
	"github.com/basket/todo-chat/internal/tools"
)

// step is one scripted model response. A blocking step waits for the
// context to end.
type step struct {
	text  string
	err   error
	block bool
}

type modelCall struct {
	system   string
	messages []Message
	streamed bool
}

type scriptedModel struct {
	mu    sync.Mutex
	steps []step
	calls []modelCall
}

func (m *scriptedModel) next(ctx context.Context, system string, msgs []Message, streamed bool) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, modelCall{system: system, messages: append([]Message(nil), msgs...), streamed: streamed})
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return "", errors.New("script exhausted")
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.text, s.err
}

func (m *scriptedModel) Complete(ctx context.Context, system string, msgs []Message) (string, error) {
	return m.next(ctx, system, msgs, false)
}

func (m *scriptedModel) Stream(ctx context.Context, system string, msgs []Message, onFragment func(string) error) error {
	text, err := m.next(ctx, system, msgs, true)
	if err != nil {
		return err
	}
	for _, word := range strings.SplitAfter(text, " ") {
		if err := onFragment(word); err != nil {
			return err
		}
	}
	return nil
}

func (m *scriptedModel) Calls() []modelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]modelCall(nil), m.calls...)
}

type recordingExecutor struct {
	mu    sync.Mutex
	owner []string
	invs  []tools.Invocation
	fn    func(tools.Invocation) tools.Result
}

func (e *recordingExecutor) Execute(_ context.Context, owner string, inv tools.Invocation) tools.Result {
	e.mu.Lock()
	e.owner = append(e.owner, owner)
	e.invs = append(e.invs, inv)
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(inv)
	}
	return tools.Result{"status": "ok"}
}

func newTestOrchestrator(t *testing.T, model Model, exec ToolExecutor, timeout time.Duration) *Orchestrator {
	t.Helper()
	prompt, err := NewPromptBuilder("")
	if err != nil {
		t.Fatalf("NewPromptBuilder: %v", err)
	}
	return NewOrchestrator(model, exec, prompt, Config{Timeout: timeout, MaxMessageChars: 4096})
}

func userTurn(history []Message, msg string) Request {
	return Request{Owner: "alice", Messages: append(history, Message{Role: "user", Content: msg})}
}

func TestOrchestrator_NoTools(t *testing.T) {
	model := &scriptedModel{steps: []step{{text: "Hi! How can I help with your tasks?"}}}
	exec := &recordingExecutor{}
	o := newTestOrchestrator(t, model, exec, time.Second)

	res, err := o.Run(context.Background(), userTurn(nil, "hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "Hi! How can I help with your tasks?" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.Outcome != OutcomeReplied || len(res.ToolCalls) != 0 {
		t.Fatalf("outcome = %s, tool calls = %d", res.Outcome, len(res.ToolCalls))
	}
	want := []State{StateLoadingContext, StateFirstModelCall, StateExtracting, StateDone}
	if !reflect.DeepEqual(res.States, want) {
		t.Fatalf("states = %v, want %v", res.States, want)
	}
	if calls := model.Calls(); len(calls) != 1 || calls[0].streamed {
		t.Fatalf("expected one non-streamed call, got %+v", calls)
	}
	if len(exec.invs) != 0 {
		t.Fatalf("executor should not run")
	}
}

func TestOrchestrator_EmptyProseUsesNeutralReply(t *testing.T) {
	model := &scriptedModel{steps: []step{{text: "<TOOL_CALLS>not json</TOOL_CALLS>"}}}
	o := newTestOrchestrator(t, model, &recordingExecutor{}, time.Second)

	res, err := o.Run(context.Background(), userTurn(nil, "hmm"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != NeutralReply {
		t.Fatalf("reply = %q, want neutral reply", res.Reply)
	}
}

func TestOrchestrator_DispatchAndSynthesis(t *testing.T) {
	model := &scriptedModel{steps: []step{
		{text: `On it. <TOOL_CALLS>{"tools":[{"name":"create_task","params":{"title":"milk","owner":"mallory"}},{"name":"list_tasks"}]}</TOOL_CALLS>`},
		{text: "Added milk to your list."},
	}}
	exec := &recordingExecutor{}
	o := newTestOrchestrator(t, model, exec, time.Second)

	history := []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}
	res, err := o.Run(context.Background(), userTurn(history, "add milk"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "Added milk to your list." || res.Outcome != OutcomeTools {
		t.Fatalf("reply = %q outcome = %s", res.Reply, res.Outcome)
	}
	if len(res.ToolCalls) != 2 || res.ToolCalls[0].Name != "create_task" || res.ToolCalls[1].Name != "list_tasks" {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
	for _, owner := range exec.owner {
		if owner != "alice" {
			t.Fatalf("executor got owner %q, want alice", owner)
		}
	}
	want := []State{StateLoadingContext, StateFirstModelCall, StateExtracting, StateDispatching, StateSynthesizing, StateDone}
	if !reflect.DeepEqual(res.States, want) {
		t.Fatalf("states = %v", res.States)
	}

	calls := model.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d model calls, want 2", len(calls))
	}
	synth := calls[1].messages
	if len(synth) != 5 {
		t.Fatalf("synthesis saw %d messages, want history(3) + 2", len(synth))
	}
	if synth[3].Role != "assistant" || !strings.Contains(synth[3].Content, "<TOOL_CALLS>") {
		t.Fatalf("synthesis message 3 = %+v, want the first model response", synth[3])
	}
	if synth[4].Role != "user" || !strings.HasPrefix(synth[4].Content, "Tool execution results:\n") {
		t.Fatalf("synthesis message 4 = %+v", synth[4])
	}
	if !strings.Contains(synth[4].Content, `"success": true`) {
		t.Fatalf("tool summary missing success flag: %s", synth[4].Content)
	}
	if strings.Contains(calls[1].system, "<TOOL_CALLS>\n{") {
		t.Fatalf("synthesis prompt should not carry the tool call contract")
	}
}

func TestOrchestrator_PartialFailureKeepsGoing(t *testing.T) {
	model := &scriptedModel{steps: []step{
		{text: `<TOOL_CALLS>{"tools":[{"name":"complete_task","params":{"task_id":99}},{"name":"create_task","params":{"title":"bread"}}]}</TOOL_CALLS>`},
		{text: "I couldn't find task 99, but I added bread."},
	}}
	exec := &recordingExecutor{fn: func(inv tools.Invocation) tools.Result {
		if inv.Name == "complete_task" {
			return tools.Result{"error": tools.ErrKindNotFound, "message": "task not found"}
		}
		return tools.Result{"task_id": int64(1), "status": "created", "title": "bread"}
	}}
	o := newTestOrchestrator(t, model, exec, time.Second)

	res, err := o.Run(context.Background(), userTurn(nil, "finish 99 and add bread"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Succeeded() || !res.ToolCalls[1].Succeeded() {
		t.Fatalf("unexpected success flags: %+v", res.ToolCalls)
	}
	summary := model.Calls()[1].messages[2].Content
	if !strings.Contains(summary, `"success": false`) || !strings.Contains(summary, tools.ErrKindNotFound) {
		t.Fatalf("summary does not report the failure: %s", summary)
	}
}

func TestOrchestrator_SynthesisFailure(t *testing.T) {
	model := &scriptedModel{steps: []step{
		{text: `<TOOL_CALLS>{"tools":[{"name":"delete_task","params":{"task_id":1}}]}</TOOL_CALLS>`},
		{err: errors.New("502 bad gateway")},
	}}
	exec := &recordingExecutor{}
	o := newTestOrchestrator(t, model, exec, time.Second)

	res, err := o.Run(context.Background(), userTurn(nil, "delete task 1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != SynthesisFailedReply || res.Outcome != OutcomeSynthesisFailed {
		t.Fatalf("reply = %q outcome = %s", res.Reply, res.Outcome)
	}
	if len(exec.invs) != 1 {
		t.Fatalf("tool effects should stay: executor ran %d times", len(exec.invs))
	}
}

func TestOrchestrator_SynthesisTimeout(t *testing.T) {
	model := &scriptedModel{steps: []step{
		{text: `<TOOL_CALLS>{"tools":[{"name":"create_task","params":{"title":"x"}}]}</TOOL_CALLS>`},
		{block: true},
	}}
	o := newTestOrchestrator(t, model, &recordingExecutor{}, 50*time.Millisecond)

	res, err := o.Run(context.Background(), userTurn(nil, "add x"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != SynthesisFailedReply {
		t.Fatalf("reply = %q", res.Reply)
	}
}

func TestOrchestrator_FirstCallTimeout(t *testing.T) {
	model := &scriptedModel{steps: []step{{block: true}}}
	exec := &recordingExecutor{}
	o := newTestOrchestrator(t, model, exec, 30*time.Millisecond)

	start := time.Now()
	_, err := o.Run(context.Background(), userTurn(nil, "add milk"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took too long")
	}
	if len(exec.invs) != 0 {
		t.Fatalf("no tool may run after a first-call timeout")
	}
}

func TestOrchestrator_FirstCallFailure(t *testing.T) {
	model := &scriptedModel{steps: []step{{err: errors.New("429 too many requests")}}}
	exec := &recordingExecutor{}
	o := newTestOrchestrator(t, model, exec, time.Second)

	_, err := o.Run(context.Background(), userTurn(nil, "add milk"))
	if !errors.Is(err, ErrModel) {
		t.Fatalf("err = %v, want ErrModel", err)
	}
	if len(model.Calls()) != 1 {
		t.Fatalf("model failures are not retried")
	}
	if len(exec.invs) != 0 {
		t.Fatalf("no tool may run after a first-call failure")
	}
}

func TestOrchestrator_CallerCancelled(t *testing.T) {
	model := &scriptedModel{steps: []step{{block: true}}}
	o := newTestOrchestrator(t, model, &recordingExecutor{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := o.Run(ctx, userTurn(nil, "add milk"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestOrchestrator_RejectsEmptyMessage(t *testing.T) {
	model := &scriptedModel{}
	o := newTestOrchestrator(t, model, &recordingExecutor{}, time.Second)

	for _, req := range []Request{
		userTurn(nil, "   "),
		{Owner: "alice"},
		{Owner: "alice", Messages: []Message{{Role: "assistant", Content: "hi"}}},
	} {
		if _, err := o.Run(context.Background(), req); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("err = %v, want ErrEmptyMessage", err)
		}
	}
	if len(model.Calls()) != 0 {
		t.Fatalf("model must not be called for an empty message")
	}
}

func TestOrchestrator_StreamingHooks(t *testing.T) {
	model := &scriptedModel{steps: []step{
		{text: `<TOOL_CALLS>{"tools":[{"name":"list_tasks","params":{"status":"pending"}}]}</TOOL_CALLS>`},
		{text: "You have no pending tasks."},
	}}
	o := newTestOrchestrator(t, model, &recordingExecutor{}, time.Second)

	var (
		toolEvents []string
		fragments  []string
	)
	res, err := o.RunWithHooks(context.Background(), userTurn(nil, "what's pending?"), Hooks{
		OnToolCall: func(c ToolCall) { toolEvents = append(toolEvents, c.Name) },
		OnFragment: func(s string) error {
			fragments = append(fragments, s)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RunWithHooks: %v", err)
	}
	if !reflect.DeepEqual(toolEvents, []string{"list_tasks"}) {
		t.Fatalf("tool events = %v", toolEvents)
	}
	if strings.Join(fragments, "") != "You have no pending tasks." {
		t.Fatalf("fragments = %q", fragments)
	}
	if len(fragments) < 2 {
		t.Fatalf("synthesis should arrive in several fragments, got %d", len(fragments))
	}
	calls := model.Calls()
	if calls[0].streamed || !calls[1].streamed {
		t.Fatalf("only the synthesis call streams: %+v", calls)
	}
	if res.Reply != "You have no pending tasks." {
		t.Fatalf("reply = %q", res.Reply)
	}
}

func TestOrchestrator_StreamedSynthesisHidesBlocks(t *testing.T) {
	model := &scriptedModel{steps: []step{
		{text: `<TOOL_CALLS>{"tools":[{"name":"list_tasks"}]}</TOOL_CALLS>`},
		{text: `Done. <TOOL_CALLS>{"tools":[{"name":"list_tasks"}]}</TOOL_CALLS> Anything else?`},
	}}
	exec := &recordingExecutor{}
	o := newTestOrchestrator(t, model, exec, time.Second)

	var fragments []string
	res, err := o.RunWithHooks(context.Background(), userTurn(nil, "show my tasks"), Hooks{
		OnFragment: func(s string) error {
			fragments = append(fragments, s)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RunWithHooks: %v", err)
	}
	streamed := strings.Join(fragments, "")
	if strings.Contains(strings.ToUpper(streamed), "TOOL_CALLS") {
		t.Fatalf("streamed markup: %q", streamed)
	}
	if streamed != "Done.  Anything else?" {
		t.Fatalf("streamed = %q", streamed)
	}
	if res.Reply != "Done.\nAnything else?" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if len(exec.invs) != 1 {
		t.Fatalf("synthesis blocks must not dispatch; executed %d", len(exec.invs))
	}
}

func TestOrchestrator_WithRegistryAndStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "loop.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg, err := tools.NewRegistry(store, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	model := &scriptedModel{steps: []step{
		{text: `<TOOL_CALLS>{"tools":[{"name":"create_task","params":{"title":"  buy milk  ","user_id":"bob"}},{"name":"update_task","params":{"task_id":1}}]}</TOOL_CALLS>`},
		{text: "Added buy milk. I need a new title to update task 1."},
	}}
	o := newTestOrchestrator(t, model, reg, time.Second)

	res, err := o.Run(context.Background(), userTurn(nil, "add buy milk"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if kind := res.ToolCalls[1].Result.ErrorKind(); kind != tools.ErrKindValidation {
		t.Fatalf("update without fields: error kind = %q", kind)
	}

	aliceTasks, err := store.ListTasks(context.Background(), "alice", persistence.TaskFilterAll)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(aliceTasks) != 1 || aliceTasks[0].Title != "buy milk" {
		t.Fatalf("alice tasks = %+v", aliceTasks)
	}
	bobTasks, err := store.ListTasks(context.Background(), "bob", persistence.TaskFilterAll)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(bobTasks) != 0 {
		t.Fatalf("owner smuggled through params: bob has %d tasks", len(bobTasks))
	}
}
