package gateway

import (
	"testing"
)

func TestDecodeFrameEvent(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"event","event":"chat","payload":{"runId":"r1"}}`))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Type != FrameEvent || f.Event != "chat" {
		t.Fatalf("got %+v", f)
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"res"}`,            // response without id
		`{"type":"event"}`,          // event without name
		`{}`,                        // no type at all
	}
	for _, raw := range cases {
		if _, err := DecodeFrame([]byte(raw)); err == nil {
			t.Errorf("DecodeFrame(%q) succeeded, want error", raw)
		}
	}
}

func TestNewRequestMarshalsParams(t *testing.T) {
	f, err := NewRequest("id-1", "chat.send", map[string]string{"message": "hi"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if f.Type != FrameRequest || f.ID != "id-1" || f.Method != "chat.send" {
		t.Fatalf("got %+v", f)
	}
	if string(f.Params) != `{"message":"hi"}` {
		t.Fatalf("params = %s", f.Params)
	}
}
