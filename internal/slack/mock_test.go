package slack

import (
	"context"
	"net/url"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"
)

type apiCall struct {
	Method    string
	ChannelID string
	Timestamp string
	Name      string
	Values    url.Values
}

// mockBotAPI implements BotAPI for testing.
type mockBotAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	nextTS  string
	history *slack.GetConversationHistoryResponse

	postErr     error
	reactionErr error
	historyErr  error
}

func (m *mockBotAPI) record(c apiCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *mockBotAPI) callsFor(method string) []apiCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []apiCall
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func applyOptions(channelID string, options []slack.MsgOption) url.Values {
	_, values, _ := slack.UnsafeApplyMsgOptions("xoxb-test", channelID, "https://slack.test/api/", options...)
	return values
}

func (m *mockBotAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	m.record(apiCall{Method: "post", ChannelID: channelID, Values: applyOptions(channelID, options)})
	if m.postErr != nil {
		return "", "", m.postErr
	}
	ts := m.nextTS
	if ts == "" {
		ts = "1700000000.000100"
	}
	return channelID, ts, nil
}

func (m *mockBotAPI) UpdateMessageContext(_ context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	m.record(apiCall{Method: "update", ChannelID: channelID, Timestamp: timestamp, Values: applyOptions(channelID, options)})
	return channelID, timestamp, "", nil
}

func (m *mockBotAPI) DeleteMessageContext(_ context.Context, channelID, timestamp string) (string, string, error) {
	m.record(apiCall{Method: "delete", ChannelID: channelID, Timestamp: timestamp})
	return channelID, timestamp, nil
}

func (m *mockBotAPI) AddReactionContext(_ context.Context, name string, item slack.ItemRef) error {
	m.record(apiCall{Method: "react", ChannelID: item.Channel, Timestamp: item.Timestamp, Name: name})
	return m.reactionErr
}

func (m *mockBotAPI) RemoveReactionContext(_ context.Context, name string, item slack.ItemRef) error {
	m.record(apiCall{Method: "unreact", ChannelID: item.Channel, Timestamp: item.Timestamp, Name: name})
	return m.reactionErr
}

func (m *mockBotAPI) GetConversationHistoryContext(_ context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	m.record(apiCall{Method: "history", ChannelID: params.ChannelID, Timestamp: params.Latest})
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *mockBotAPI) AuthTestContext(_ context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT"}, nil
}

func header(ts, user, text string) slack.Message {
	var msg slack.Message
	msg.Timestamp = ts
	msg.User = user
	msg.Text = text
	return msg
}

func historyOf(msgs ...slack.Message) *slack.GetConversationHistoryResponse {
	return &slack.GetConversationHistoryResponse{Messages: msgs}
}

func requireOneCall(t *testing.T, m *mockBotAPI, method string) apiCall {
	t.Helper()
	calls := m.callsFor(method)
	require.Len(t, calls, 1)
	return calls[0]
}
