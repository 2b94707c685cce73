package ctl

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsehq/pulse/internal/gateway"
)

// serveFake runs a minimal gateway that answers status requests.
func serveFake(t *testing.T) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "pulse-ctl-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "g.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var req gateway.Request
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			if req.Op == gateway.OpStatus {
				_ = ws.WriteJSON(gateway.Push{Type: gateway.TypeStatus, Status: &gateway.StatusBody{
					Profile: "main",
					State:   "CONNECTED",
					Rooms:   []string{"post-42"},
				}})
			}
		}
	})
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(func() { _ = srv.Close() })
	return socketPath
}

func TestStatusRoundTrip(t *testing.T) {
	socketPath := serveFake(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	st, err := c.Status(2 * time.Second)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Profile != "main" || st.State != "CONNECTED" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if len(st.Rooms) != 1 || st.Rooms[0] != "post-42" {
		t.Fatalf("rooms = %v", st.Rooms)
	}
}

func TestDialMissingSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "/tmp/pulse-nonexistent.sock"); err == nil {
		t.Fatal("expected dial error for missing socket")
	}
}
