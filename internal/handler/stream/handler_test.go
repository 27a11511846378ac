package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/one-in-one/client/internal/notify"
)

func TestStreamsChangesAsEvents(t *testing.T) {
	bus := notify.NewBus(8, nil)
	srv := httptest.NewServer(New(bus, time.Hour, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Contains(t, lines.Text(), `"stream established"`)

	bus.Publish(notify.Change{Kind: notify.TypingChanged, ChatID: "C7"})

	var event, data string
	for lines.Scan() {
		line := lines.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") && event != "" {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, "typing", event)
	assert.Contains(t, data, `"chatId":"C7"`)
}

func TestHeartbeatWhenIdle(t *testing.T) {
	bus := notify.NewBus(8, nil)
	srv := httptest.NewServer(New(bus, 20*time.Millisecond, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	for lines.Scan() {
		if strings.HasPrefix(lines.Text(), ": heartbeat") {
			return
		}
	}
	t.Fatal("no heartbeat received")
}
