package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massgen-ai/massgen/pkg/api"
	"github.com/massgen-ai/massgen/pkg/backend"
	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/models"
)

// consensusPair returns two scripted agents that converge on agent2.1.
func consensusPair(refs []string) map[string]*backend.ScriptedBackend {
	return map[string]*backend.ScriptedBackend{
		refs[0]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case call == 0:
				return backend.ToolTurn(newAnswerCall("a1-answer", "alpha"))
			case strings.Contains(msg, "### agent2.1"):
				return backend.ToolTurn(voteCall("a1-vote", "agent2.1", "better"))
			default:
				return backend.HangTurn()
			}
		}),
		refs[1]: scriptedAgent(func(call int, msg string) backend.ScriptedTurn {
			switch {
			case strings.Contains(msg, "## Final Presentation"):
				return backend.TextTurn("bravo, finalized")
			case call == 0:
				return backend.ToolTurn(newAnswerCall("a2-answer", "bravo"))
			default:
				return backend.HangTurn()
			}
		}),
	}
}

// TestObservationAPIAndWebSocketCatchup finishes a session, then reads it
// back through the HTTP API and replays the whole stream over the
// websocket catchup path.
func TestObservationAPIAndWebSocketCatchup(t *testing.T) {
	agents, refs := defaultAgents(2)
	h := newHarness(t, Options{Agents: agents, Scripts: consensusPair(refs)})
	ctx := context.Background()
	id, outcome, evs := h.Run(ctx, "observable run")
	require.NotNil(t, outcome.Winner)
	requireStreamInvariants(t, evs)

	server := api.NewServer(&config.APIConfig{Addr: ":0"}, h.Store, h.Manager,
		slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	// Session list and detail.
	var sessions []models.Session
	getJSON(t, ts.Client(), ts.URL+"/api/v1/sessions", &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, models.SessionStatusCompleted, sessions[0].Status)

	var detail models.SessionDetail
	getJSON(t, ts.Client(), ts.URL+"/api/v1/sessions/"+id, &detail)
	assert.Equal(t, "agent2.1", detail.Session.WinnerLabel)
	assert.NotEmpty(t, detail.Answers)

	// Unknown sessions are a clean 404.
	resp, err := ts.Client().Get(ts.URL + "/api/v1/sessions/no-such-id")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Full websocket catchup from seq 0.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + id + "/ws"
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	subscribe, _ := json.Marshal(map[string]any{"action": "subscribe", "last_seq": 0})
	require.NoError(t, conn.Write(dialCtx, websocket.MessageText, subscribe))

	var replayed []events.Event
	for {
		_, data, err := conn.Read(dialCtx)
		if err != nil {
			break
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		replayed = append(replayed, ev)
		if ev.Type == events.TypeSessionEnded {
			break
		}
	}

	require.NotEmpty(t, replayed)
	assert.Equal(t, events.TypeSessionStarted, replayed[0].Type)
	assert.Equal(t, events.TypeSessionEnded, replayed[len(replayed)-1].Type)
	assert.Equal(t, len(evs), len(replayed), "catchup replayed a different number of events than the live stream")
	for i := 1; i < len(replayed); i++ {
		assert.Greater(t, replayed[i].Seq, replayed[i-1].Seq)
	}
}

// TestEventsEndpointPagination pages the journal through the REST surface.
func TestEventsEndpointPagination(t *testing.T) {
	agents, refs := defaultAgents(2)
	h := newHarness(t, Options{Agents: agents, Scripts: consensusPair(refs)})
	id, outcome, evs := h.Run(context.Background(), "paged run")
	require.NotNil(t, outcome.Winner)

	server := api.NewServer(&config.APIConfig{Addr: ":0"}, h.Store, h.Manager,
		slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	var collected []models.JournalEvent
	afterSeq := int64(0)
	for {
		var page []models.JournalEvent
		getJSON(t, ts.Client(),
			fmt.Sprintf("%s/api/v1/sessions/%s/events?after_seq=%d&limit=3", ts.URL, id, afterSeq), &page)
		if len(page) == 0 {
			break
		}
		collected = append(collected, page...)
		afterSeq = page[len(page)-1].Seq
	}

	require.Equal(t, len(evs), len(collected))
	assert.Equal(t, string(events.TypeSessionStarted), collected[0].Type)
	assert.Equal(t, string(events.TypeSessionEnded), collected[len(collected)-1].Type)
}

func getJSON(t *testing.T, client *http.Client, url string, out any) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET %s", url)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
