package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kiosk/internal/catalog"
	"github.com/MarcoPoloResearchLab/kiosk/internal/kiosk"
)

type streamEvent struct {
	eventType string
	data      string
}

func readStreamEvent(t *testing.T, reader *bufio.Reader, wanted string) streamEvent {
	t.Helper()
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", wanted)
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != wanted {
				continue
			}
			return streamEvent{eventType: currentEventType, data: strings.TrimSpace(strings.TrimPrefix(line, "data:"))}
		}
	}
}

func TestEventStreamEmitsStatusAndDataChanges(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	streamRequest, err := http.NewRequest(http.MethodGet, httpServer.URL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if contentType := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	streamReader := bufio.NewReader(streamResp.Body)
	initial := readStreamEvent(t, streamReader, kiosk.EventSyncStatus)
	var status kiosk.Event
	if err := json.Unmarshal([]byte(initial.data), &status); err != nil {
		t.Fatalf("failed to decode status payload: %v", err)
	}
	if status.Status == nil || status.Status.Status != "idle" {
		t.Fatalf("unexpected initial status %#v", status)
	}

	if _, err := server.app.Catalog.Brands.Add(context.Background(), catalog.Brand{Name: "Acme"}); err != nil {
		t.Fatalf("failed to add brand: %v", err)
	}

	changed := readStreamEvent(t, streamReader, kiosk.EventDataChanged)
	var event kiosk.Event
	if err := json.Unmarshal([]byte(changed.data), &event); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if event.Type != kiosk.EventDataChanged || event.Remote {
		t.Fatalf("unexpected data-changed event %#v", event)
	}
}
