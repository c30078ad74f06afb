package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/salonflow/agent-gateway/internal/llm"
	"github.com/salonflow/agent-gateway/internal/model"
	"github.com/salonflow/agent-gateway/internal/protocol"
	"github.com/salonflow/agent-gateway/internal/session"
	"github.com/salonflow/agent-gateway/internal/store"
	"github.com/salonflow/agent-gateway/pkg/logger"
)

// scriptedLLM streams a fixed token sequence, or fails.
type scriptedLLM struct {
	tokens []string
	err    error
}

func (s *scriptedLLM) Name() string     { return "scripted" }
func (s *scriptedLLM) Models() []string { return []string{"scripted"} }

func (s *scriptedLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: strings.Join(s.tokens, ""), Model: req.Model}, nil
}

func (s *scriptedLLM) CompleteStream(ctx context.Context, req *llm.CompletionRequest, callback llm.StreamCallback) (*llm.CompletionResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	for i, token := range s.tokens {
		if err := callback(token, i); err != nil {
			return nil, err
		}
	}
	return &llm.CompletionResponse{
		Content:   strings.Join(s.tokens, ""),
		Model:     req.Model,
		TokensOut: len(s.tokens),
	}, nil
}

type recordingLog struct {
	mu     sync.Mutex
	events []model.ConversationEvent
}

func (r *recordingLog) PublishMessage(ctx context.Context, businessID string, msg *model.AgentMessage) (uint64, error) {
	return 1, nil
}

func (r *recordingLog) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return uint64(len(r.events)), nil
}

func (r *recordingLog) eventTypes() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestRuntime(t *testing.T, client llm.Client) (*Runtime, *store.SQLiteStore, *recordingLog) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := &recordingLog{}
	sessions := session.NewManager(st, log, logger.NewNop(), "Welcome!")
	rt := New(nil, sessions, st, log, client, logger.NewNop(), Config{
		DefaultModel:   "scripted",
		DefaultPersona: "You are a helpful salon receptionist.",
	})
	return rt, st, log
}

// serve runs one stream exchange: the returned conn is the client end.
func serve(t *testing.T, rt *Runtime) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go rt.handleStream(context.Background(), server)
	t.Cleanup(func() { client.Close() })
	return client
}

func sendEnvelope(t *testing.T, conn net.Conn, op protocol.Op, body any) {
	t.Helper()
	env, err := protocol.NewEnvelope(op, body)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := json.NewEncoder(conn).Encode(env); err != nil {
		t.Fatalf("send envelope: %v", err)
	}
}

func collectFrames(t *testing.T, conn net.Conn) []protocol.Frame {
	t.Helper()
	dec := protocol.NewDecoder(conn)
	var frames []protocol.Frame
	for {
		frame, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		frames = append(frames, frame)
		if cf, ok := frame.(protocol.ControlFrame); ok && cf.Terminal() {
			return frames
		}
	}
}

func TestTurnStreamsContentAndCompletes(t *testing.T) {
	rt, st, _ := newTestRuntime(t, &scriptedLLM{tokens: []string{"Hola", " mundo"}})

	conn := serve(t, rt)
	sendEnvelope(t, conn, protocol.OpAgentQuery, protocol.TurnRequest{
		Query:  "Saluda",
		UserID: "user-1",
	})

	frames := collectFrames(t, conn)
	if len(frames) < 3 {
		t.Fatalf("got %d frames, want at least streams_ready, content, terminal", len(frames))
	}

	ready, ok := frames[0].(protocol.ControlFrame)
	if !ok || ready.Payload.Status != protocol.StatusStreamsReady {
		t.Fatalf("first frame = %+v, want streams_ready", frames[0])
	}
	if ready.Payload.ThinkingStreamID == "" || ready.Payload.ContentStreamID == "" {
		t.Fatalf("streams_ready missing stream ids: %+v", ready.Payload)
	}

	var content []protocol.ContentFrame
	terminals := 0
	var final protocol.ControlFrame
	for _, frame := range frames {
		switch f := frame.(type) {
		case protocol.ContentFrame:
			content = append(content, f)
		case protocol.ControlFrame:
			if f.Terminal() {
				terminals++
				final = f
			}
		}
	}

	if terminals != 1 {
		t.Fatalf("terminals = %d, want exactly 1", terminals)
	}
	if final.Payload.Status != protocol.StatusComplete {
		t.Fatalf("terminal status = %s", final.Payload.Status)
	}
	if final.Payload.Response == nil || !final.Payload.Response.Success {
		t.Fatalf("terminal response = %+v", final.Payload.Response)
	}
	if final.Payload.Response.Result != "Hola mundo" {
		t.Fatalf("result = %q, want %q", final.Payload.Response.Result, "Hola mundo")
	}
	threadID := final.Payload.Response.ThreadID
	if threadID == "" {
		t.Fatal("terminal response missing thread id")
	}

	if len(content) != 2 || content[0].Content != "Hola" || content[1].Content != " mundo" {
		t.Fatalf("content frames = %+v", content)
	}
	for i, f := range content {
		if f.Meta.StreamID != ready.Payload.ContentStreamID {
			t.Fatalf("content frame %d on stream %q, want %q", i, f.Meta.StreamID, ready.Payload.ContentStreamID)
		}
		if f.Meta.Index != i {
			t.Fatalf("content frame %d has index %d", i, f.Meta.Index)
		}
	}

	// Both sides of the exchange are persisted.
	msgs, err := st.ListMessages(context.Background(), threadID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != model.RoleUser || msgs[1].Role != model.RoleAssistant {
		t.Fatalf("persisted messages = %+v", msgs)
	}

	cps, err := st.ListCheckpoints(context.Background(), threadID, 10)
	if err != nil || len(cps) != 1 {
		t.Fatalf("checkpoints = %+v, err = %v", cps, err)
	}
	if final.Payload.Response.Metadata == nil || final.Payload.Response.Metadata.CheckpointVersion != 1 {
		t.Fatalf("metadata = %+v", final.Payload.Response.Metadata)
	}
}

func TestTurnRejectsBlankQuery(t *testing.T) {
	rt, st, _ := newTestRuntime(t, &scriptedLLM{tokens: []string{"x"}})

	for _, query := range []string{"", "   ", "\n\t "} {
		conn := serve(t, rt)
		sendEnvelope(t, conn, protocol.OpAgentQuery, protocol.TurnRequest{
			Query:  query,
			UserID: "user-1",
		})

		frames := collectFrames(t, conn)
		if len(frames) != 1 {
			t.Fatalf("query %q: got %d frames, want single terminal error", query, len(frames))
		}
		final, ok := frames[0].(protocol.ControlFrame)
		if !ok || final.Payload.Status != protocol.StatusError {
			t.Fatalf("query %q: frame = %+v, want error control", query, frames[0])
		}
		if !strings.Contains(final.Payload.Error, "query") {
			t.Fatalf("query %q: error = %q", query, final.Payload.Error)
		}
		conn.Close()
	}

	// No conversation is created for a rejected query.
	convs, err := st.ListConversationsByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("conversations = %d, want 0", len(convs))
	}
}

func TestTurnEnforcesStepLimit(t *testing.T) {
	rt, _, _ := newTestRuntime(t, &scriptedLLM{tokens: []string{"never"}})

	conn := serve(t, rt)
	sendEnvelope(t, conn, protocol.OpAgentQuery, protocol.TurnRequest{
		Query:    "hello",
		UserID:   "user-1",
		MaxSteps: 1,
	})

	frames := collectFrames(t, conn)
	final, ok := frames[len(frames)-1].(protocol.ControlFrame)
	if !ok || final.Payload.Status != protocol.StatusError {
		t.Fatalf("last frame = %+v, want error control", frames[len(frames)-1])
	}
	if !strings.Contains(final.Payload.Error, "step limit") {
		t.Fatalf("error = %q, want step limit message", final.Payload.Error)
	}
	for _, frame := range frames {
		if _, ok := frame.(protocol.ContentFrame); ok {
			t.Fatal("content streamed past the step limit")
		}
	}
}

func TestTurnFailurePublishesEvent(t *testing.T) {
	rt, _, log := newTestRuntime(t, &scriptedLLM{err: errors.New("model unavailable")})

	conn := serve(t, rt)
	sendEnvelope(t, conn, protocol.OpAgentQuery, protocol.TurnRequest{
		Query:  "hello",
		UserID: "user-1",
	})

	frames := collectFrames(t, conn)
	final, ok := frames[len(frames)-1].(protocol.ControlFrame)
	if !ok || final.Payload.Status != protocol.StatusError {
		t.Fatalf("last frame = %+v, want error control", frames[len(frames)-1])
	}

	failed := false
	for _, typ := range log.eventTypes() {
		if typ == model.EventTurnFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("no turn_failed event published")
	}
}

func TestTurnOnEndedThread(t *testing.T) {
	rt, st, _ := newTestRuntime(t, &scriptedLLM{tokens: []string{"x"}})
	ctx := context.Background()

	conv := &model.AgentConversation{
		ID:        "conv-ended",
		SessionID: "sess-1",
		UserID:    "user-1",
		Status:    model.ConversationActive,
		StartedAt: time.Now(),
	}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := st.FinishConversation(ctx, conv.ID, model.ConversationCompleted, time.Now()); err != nil {
		t.Fatalf("finish conversation: %v", err)
	}

	conn := serve(t, rt)
	sendEnvelope(t, conn, protocol.OpAgentQuery, protocol.TurnRequest{
		Query:    "hello",
		UserID:   "user-1",
		ThreadID: conv.ID,
	})

	frames := collectFrames(t, conn)
	final, ok := frames[len(frames)-1].(protocol.ControlFrame)
	if !ok || final.Payload.Status != protocol.StatusError {
		t.Fatalf("last frame = %+v, want error control", frames[len(frames)-1])
	}
	if !strings.Contains(final.Payload.Error, "ended") {
		t.Fatalf("error = %q", final.Payload.Error)
	}

	// The failure classifies as a session-ended error, not a generic one.
	_, err := rt.resolveConversation(ctx, &protocol.TurnRequest{
		Query:    "hello",
		UserID:   "user-1",
		ThreadID: conv.ID,
	})
	if !errors.Is(err, session.ErrSessionEnded) {
		t.Fatalf("resolve err = %v, want ErrSessionEnded", err)
	}
	if session.ErrorCode(err) != "session_ended" {
		t.Fatalf("error code = %q, want session_ended", session.ErrorCode(err))
	}
}

func TestSessionLifecycleOverStreams(t *testing.T) {
	rt, st, _ := newTestRuntime(t, &scriptedLLM{tokens: []string{"ok"}})
	ctx := context.Background()

	link := &model.AgentLink{
		ID:         "link-1",
		BusinessID: "biz-1",
		Name:       "Booking",
		Type:       model.LinkTypeMultiUse,
		Status:     model.LinkStatusActive,
		Token:      "tok-1",
		Settings:   model.LinkSettings{WelcomeMessage: "Hola!"},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := st.CreateLink(ctx, link); err != nil {
		t.Fatalf("create link: %v", err)
	}

	conn := serve(t, rt)
	sendEnvelope(t, conn, protocol.OpStartSession, protocol.StartSessionRequest{Token: "tok-1"})
	var started protocol.StartSessionResponse
	if err := json.NewDecoder(conn).Decode(&started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if !started.Success || started.Session == nil {
		t.Fatalf("start response = %+v", started)
	}
	if started.WelcomeMessage != "Hola!" {
		t.Fatalf("welcome = %q", started.WelcomeMessage)
	}

	conn = serve(t, rt)
	sendEnvelope(t, conn, protocol.OpEndSession, protocol.EndSessionRequest{Session: *started.Session})
	var ended protocol.EndSessionResponse
	if err := json.NewDecoder(conn).Decode(&ended); err != nil {
		t.Fatalf("decode end response: %v", err)
	}
	if !ended.Success {
		t.Fatalf("end response = %+v", ended)
	}

	conv, _ := st.GetConversation(ctx, started.Session.ConversationID)
	if conv.Status != model.ConversationCompleted {
		t.Fatalf("conversation status = %s", conv.Status)
	}

	// Rejected token gets a typed code.
	conn = serve(t, rt)
	sendEnvelope(t, conn, protocol.OpStartSession, protocol.StartSessionRequest{Token: "bogus"})
	var rejected protocol.StartSessionResponse
	if err := json.NewDecoder(conn).Decode(&rejected); err != nil {
		t.Fatalf("decode rejected response: %v", err)
	}
	if rejected.Success || rejected.ErrorCode != "invalid_token" {
		t.Fatalf("rejected response = %+v", rejected)
	}
}

func TestHistoryOps(t *testing.T) {
	rt, _, _ := newTestRuntime(t, &scriptedLLM{tokens: []string{"Hi", " there"}})

	conn := serve(t, rt)
	sendEnvelope(t, conn, protocol.OpAgentQuery, protocol.TurnRequest{Query: "hello", UserID: "user-7"})
	frames := collectFrames(t, conn)
	final := frames[len(frames)-1].(protocol.ControlFrame)
	threadID := final.Payload.Response.ThreadID

	conn = serve(t, rt)
	sendEnvelope(t, conn, protocol.OpListThreads, protocol.ListThreadsRequest{UserID: "user-7"})
	var threads protocol.ListThreadsResponse
	if err := json.NewDecoder(conn).Decode(&threads); err != nil {
		t.Fatalf("decode threads: %v", err)
	}
	if !threads.Success || len(threads.Threads) != 1 || threads.Threads[0].ThreadID != threadID {
		t.Fatalf("threads = %+v", threads)
	}

	conn = serve(t, rt)
	sendEnvelope(t, conn, protocol.OpGetMessages, protocol.GetMessagesRequest{ThreadID: threadID})
	var msgs protocol.GetMessagesResponse
	if err := json.NewDecoder(conn).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if !msgs.Success || len(msgs.Messages) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs.Messages[1].Content != "Hi there" {
		t.Fatalf("assistant content = %q", msgs.Messages[1].Content)
	}

	conn = serve(t, rt)
	sendEnvelope(t, conn, protocol.OpGetCheckpoints, protocol.GetCheckpointsRequest{ThreadID: threadID})
	var cps protocol.GetCheckpointsResponse
	if err := json.NewDecoder(conn).Decode(&cps); err != nil {
		t.Fatalf("decode checkpoints: %v", err)
	}
	if !cps.Success || len(cps.Checkpoints) != 1 || cps.Checkpoints[0].Version != 1 {
		t.Fatalf("checkpoints = %+v", cps)
	}
}

func TestLivenessIdle(t *testing.T) {
	l := newLiveness()
	l.touch("a")
	l.touch("b")

	if ids := l.idle(time.Minute); len(ids) != 0 {
		t.Fatalf("idle = %v, want none", ids)
	}

	l.mu.Lock()
	l.lastSeen["a"] = time.Now().Add(-2 * time.Minute)
	l.mu.Unlock()

	ids := l.idle(time.Minute)
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("idle = %v, want [a]", ids)
	}

	l.forget("a")
	if ids := l.idle(time.Minute); len(ids) != 0 {
		t.Fatalf("idle after forget = %v", ids)
	}
}
