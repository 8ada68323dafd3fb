package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

type gateStub struct {
	mission  domain.Mission
	waiting  bool
	approved []string
	rejected []string
	err      error
}

func (g *gateStub) ActiveAwaitingApproval(context.Context) (domain.Mission, bool) {
	return g.mission, g.waiting
}

func (g *gateStub) Approve(_ context.Context, id string) error {
	g.approved = append(g.approved, id)
	return g.err
}

func (g *gateStub) Reject(_ context.Context, id string) error {
	g.rejected = append(g.rejected, id)
	return g.err
}

func newChatService(t *testing.T) (*ChatService, *memConversations, *runtimeStub, *eventRec, *gateStub) {
	t.Helper()
	convs := newMemConversations()
	runtime := newRuntimeStub()
	events := &eventRec{}
	gate := &gateStub{}
	svc := &ChatService{Conversations: convs, Runtime: runtime, Events: events}
	svc.BindMissions(gate)
	return svc, convs, runtime, events, gate
}

func TestChatSend_RelaysAndPersists(t *testing.T) {
	svc, convs, runtime, events, _ := newChatService(t)
	conv, err := svc.StartConversation(context.Background())
	require.NoError(t, err)

	runtime.chatFn = func(req domain.ChatRequest, onChunk func(domain.ChatChunk) error) error {
		assert.Equal(t, "cto", req.AgentType)
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "user", req.Messages[len(req.Messages)-1].Role)
		for _, part := range []string{"hel", "lo"} {
			if err := onChunk(domain.ChatChunk{Chunk: part}); err != nil {
				return err
			}
		}
		return onChunk(domain.ChatChunk{Done: true})
	}

	msg, err := svc.Send(context.Background(), conv.ID, "what is the plan?", "")
	require.NoError(t, err)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "hello", msg.Content)

	history, err := convs.ListMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "what is the plan?", history[0].Content)
	assert.Equal(t, "hello", history[1].Content)

	assert.Len(t, events.byType(domain.EventChatMessageChunk), 2)
	assert.Len(t, events.byType(domain.EventChatMessageComplete), 1)
	assert.Empty(t, events.byType(domain.EventChatMessageError))
}

func TestChatSend_EmptyContentRejected(t *testing.T) {
	svc, _, _, _, _ := newChatService(t)
	_, err := svc.Send(context.Background(), "c1", "   ", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestChatSend_StreamErrorPublished(t *testing.T) {
	svc, _, runtime, events, _ := newChatService(t)
	conv, err := svc.StartConversation(context.Background())
	require.NoError(t, err)

	runtime.chatFn = func(domain.ChatRequest, func(domain.ChatChunk) error) error {
		return assert.AnError
	}

	_, err = svc.Send(context.Background(), conv.ID, "hi", "")
	require.Error(t, err)
	assert.Len(t, events.byType(domain.EventChatMessageError), 1)
}

func TestChatSend_ApprovesWaitingMission(t *testing.T) {
	svc, convs, runtime, _, gate := newChatService(t)
	conv, err := svc.StartConversation(context.Background())
	require.NoError(t, err)

	gate.mission = domain.Mission{ID: "m1", SubtaskIDs: []string{"t1", "t2"}}
	gate.waiting = true

	relayed := false
	runtime.chatFn = func(domain.ChatRequest, func(domain.ChatChunk) error) error {
		relayed = true
		return nil
	}

	msg, err := svc.Send(context.Background(), conv.ID, "Approve!", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, gate.approved)
	assert.Empty(t, gate.rejected)
	assert.Contains(t, msg.Content, "approved")
	assert.False(t, relayed, "verdicts never reach the runtime")

	history, err := convs.ListMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestChatSend_RejectsWaitingMission(t *testing.T) {
	svc, _, _, _, gate := newChatService(t)
	conv, err := svc.StartConversation(context.Background())
	require.NoError(t, err)

	gate.mission = domain.Mission{ID: "m1"}
	gate.waiting = true

	msg, err := svc.Send(context.Background(), conv.ID, "no", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, gate.rejected)
	assert.Contains(t, msg.Content, "rejected")
}

func TestChatSend_VerdictWithoutWaitingMissionRelays(t *testing.T) {
	svc, _, runtime, _, gate := newChatService(t)
	conv, err := svc.StartConversation(context.Background())
	require.NoError(t, err)

	gate.waiting = false
	relayed := false
	runtime.chatFn = func(_ domain.ChatRequest, onChunk func(domain.ChatChunk) error) error {
		relayed = true
		return onChunk(domain.ChatChunk{Done: true})
	}

	_, err = svc.Send(context.Background(), conv.ID, "yes", "")
	require.NoError(t, err)
	assert.True(t, relayed)
	assert.Empty(t, gate.approved)
}

func TestVerdict_Classification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in              string
		approve, reject bool
	}{
		{"approve", true, false},
		{"Approved.", true, false},
		{"LGTM", true, false},
		{"looks good to me", true, false},
		{"yes please", true, false},
		{"reject", false, true},
		{"No!", false, true},
		{"cancel the mission", false, true},
		{"what does subtask 2 do?", false, false},
		{"yesterday was fine", false, false},
	}
	for _, c := range cases {
		a, r := verdict(c.in)
		assert.Equal(t, c.approve, a, c.in)
		assert.Equal(t, c.reject, r, c.in)
	}
}
