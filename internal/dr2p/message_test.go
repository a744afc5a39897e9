package dr2p

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeadFrameRoundTripPreservesUnknownKeys(t *testing.T) {
	more := true
	h := Head{
		Type:       typeRequest,
		ID:         "42",
		Version:    HeadVersion,
		Host:       "client-1",
		Path:       "/echo",
		BodyType:   CodecJSON,
		NoResponse: false,
		Continued:  &more,
		Cookie:     map[string]string{"session": "abc"},
		SetCookie:  []CookieEntry{{Key: "session", Value: "abc"}},
		Extra:      map[string]string{"X-Trace": "t-1"},
	}

	frame := h.toFrame()
	got := headFromFrame(frame)

	if diff := cmp.Diff(h.ID, got.ID); diff != "" {
		t.Errorf("ID mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(h.Path, got.Path); diff != "" {
		t.Errorf("Path mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(h.Cookie, got.Cookie); diff != "" {
		t.Errorf("Cookie mismatch (-want +got):\n%s", diff)
	}
	if got.Continued == nil || *got.Continued != *h.Continued {
		t.Errorf("Continued mismatch: got %v, want %v", got.Continued, *h.Continued)
	}
	if got.Extra["X-Trace"] != "t-1" {
		t.Errorf("unknown key X-Trace did not round-trip, got %v", got.Extra)
	}
}

func TestHeadToFrameOmitsEmptyFields(t *testing.T) {
	h := Head{Type: typeRequest, ID: "1", Version: HeadVersion, Path: "/x"}
	frame := h.toFrame()
	for _, key := range []string{"Cookie", "Set_Cookie", "Continued", "No_Response", "Host", "Code", "Body_Type"} {
		if _, ok := frame[key]; ok {
			t.Errorf("expected %q to be omitted from an empty head, frame = %v", key, frame)
		}
	}
}
