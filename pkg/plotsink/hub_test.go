package plotsink

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"biosync/pkg/acq"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastsPayloadToConnectedClient(t *testing.T) {
	hub := NewHub(testLogger())
	hub.pingInterval = time.Hour // keep pings out of the way of this test
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Give the hub a moment to register the client before publishing.
	time.Sleep(20 * time.Millisecond)

	ok := hub.TryPut(acq.Payload{Kind: acq.KindSample, Device: "devA", K: 1, TQ: 0.01,
		Channels: []acq.ChannelPair{{Name: "gsr", Value: 3.2}}})
	if !ok {
		t.Fatalf("expected TryPut to succeed")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected to receive broadcast message: %v", err)
	}
	if !strings.Contains(string(data), "devA") {
		t.Fatalf("expected payload to mention device, got %s", data)
	}
}

func TestHubTryPutOnEmptyHubStillSucceeds(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	if !hub.TryPut(acq.Payload{Kind: acq.KindSample, Device: "devA", K: 0}) {
		t.Fatalf("broadcasting with no clients should still succeed")
	}
}
