package transport

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWireFramerRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		head map[string]any
		body []byte
	}{
		{"with body", map[string]any{"Type": "request", "ID": "1"}, []byte("hello")},
		{"empty body", map[string]any{"Type": "response", "ID": "1", "Code": "OK"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := (wireFramer{}).writeFrame(&buf, tt.head, tt.body); err != nil {
				t.Fatalf("writeFrame: %v", err)
			}
			head, body, err := (wireFramer{}).readFrame(bufio.NewReader(&buf))
			if err != nil {
				t.Fatalf("readFrame: %v", err)
			}
			if diff := cmp.Diff(tt.head, head); diff != "" {
				t.Errorf("head mismatch (-want +got):\n%s", diff)
			}
			if len(tt.body) == 0 && len(body) != 0 {
				t.Errorf("expected empty body, got %v", body)
			}
			if len(tt.body) > 0 && !bytes.Equal(tt.body, body) {
				t.Errorf("body mismatch: want %q, got %q", tt.body, body)
			}
		})
	}
}

func TestWireFramerReadFrameOnClosedStreamReturnsPeerClosed(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	_, _, err := (wireFramer{}).readFrame(r)
	if err != ErrPeerClosed {
		t.Fatalf("expected ErrPeerClosed on an empty stream, got %v", err)
	}
}

func TestPipeSendRecvRoundTrip(t *testing.T) {
	a, b := NewPipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	head := map[string]any{"Type": "request", "ID": "1", "Path": "/echo"}
	body := []byte("payload")

	ctx := context.Background()
	if err := a.Send(ctx, head, body); err != nil {
		t.Fatalf("send: %v", err)
	}
	gotHead, gotBody, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if diff := cmp.Diff(head, gotHead); diff != "" {
		t.Errorf("head mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(body, gotBody) {
		t.Errorf("body mismatch: want %q, got %q", body, gotBody)
	}
}

func TestPipeCloseUnblocksRecv(t *testing.T) {
	a, b := NewPipe()
	ctx := context.Background()
	a.Close()
	if _, _, err := b.Recv(ctx); err != ErrPeerClosed {
		t.Fatalf("expected ErrPeerClosed after Close, got %v", err)
	}
}
