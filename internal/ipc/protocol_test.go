package ipc

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRequestRoundTrip(t *testing.T) {
	req := NewRequest(ActionStart)
	req.Options["strategy"] = "native"
	req.Filters = []string{"collector"}
	req.Streaming = true
	req.TimeoutMS = 30000
	req.ClientInfo = ClientInfo{PID: 4242, User: "dev", Version: "1.0"}
	req.AuthToken = "tok"

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Request
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ProtocolVersion != ProtocolVersion {
		t.Fatalf("protocol_version = %q", got.ProtocolVersion)
	}
	if got.RequestID != req.RequestID {
		t.Fatalf("request_id mismatch: %q != %q", got.RequestID, req.RequestID)
	}
	if got.Action != ActionStart {
		t.Fatalf("action = %q", got.Action)
	}
	if got.Options["strategy"] != "native" {
		t.Fatalf("options lost: %+v", got.Options)
	}
	if len(got.Filters) != 1 || got.Filters[0] != "collector" {
		t.Fatalf("filters lost: %+v", got.Filters)
	}
	if !got.Streaming || got.TimeoutMS != 30000 {
		t.Fatalf("streaming/timeout lost: %+v", got)
	}
	if got.ClientInfo.PID != 4242 || got.ClientInfo.User != "dev" {
		t.Fatalf("client_info lost: %+v", got.ClientInfo)
	}
	if got.AuthToken != "tok" {
		t.Fatalf("auth_token lost")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := ErrResponse("rid-1", CodeNotFound, "no such service")
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Response
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RequestID != "rid-1" || got.Status != StatusError {
		t.Fatalf("header lost: %+v", got)
	}
	if got.Error == nil || got.Error.Code != CodeNotFound || got.Error.Message != "no such service" {
		t.Fatalf("error lost: %+v", got.Error)
	}
	if !got.Terminal() {
		t.Fatalf("error response must be terminal")
	}
}

func TestProgressNonTerminal(t *testing.T) {
	resp := ProgressResponse("rid-2", Progress{Service: "bridge", From: "starting", To: "running"})
	if resp.Terminal() {
		t.Fatalf("progress frame must not be terminal")
	}
	if resp.Progress.At.IsZero() {
		t.Fatalf("progress timestamp not defaulted")
	}
	ok, err := OKResponse("rid-2", map[string]int{"pid": 1})
	if err != nil {
		t.Fatalf("ok response: %v", err)
	}
	if !ok.Terminal() {
		t.Fatalf("ok response must be terminal")
	}
}

func TestRequestValidate(t *testing.T) {
	req := NewRequest(ActionPing)
	if err := req.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	bad := req
	bad.RequestID = "not-a-uuid"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected invalid uuid error")
	}
	bad = req
	bad.Action = "reboot_host"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected unknown action error")
	}
}

func TestPrivilegedActions(t *testing.T) {
	cases := map[Action]bool{
		ActionPing:     false,
		ActionStatus:   false,
		ActionStart:    true,
		ActionStop:     true,
		ActionRestart:  true,
		ActionShutdown: true,
	}
	for a, want := range cases {
		if a.Privileged() != want {
			t.Fatalf("%s privileged = %v, want %v", a, a.Privileged(), want)
		}
	}
}

func TestRequestTimeoutDefault(t *testing.T) {
	req := NewRequest(ActionStatus)
	if d := req.Timeout(10 * time.Second); d != 10*time.Second {
		t.Fatalf("default timeout = %v", d)
	}
	req.TimeoutMS = 1500
	if d := req.Timeout(10 * time.Second); d != 1500*time.Millisecond {
		t.Fatalf("explicit timeout = %v", d)
	}
}

func TestCompatibleVersion(t *testing.T) {
	if !CompatibleVersion("1.0") || !CompatibleVersion("1.3") {
		t.Fatalf("same-major versions must be compatible")
	}
	if CompatibleVersion("2.0") || CompatibleVersion("") || CompatibleVersion("junk") {
		t.Fatalf("incompatible versions accepted")
	}
}
