package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"keyvoxdesk/internal/domain"
)

func TestCommandMarshalFlattensPayload(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Command{
		Type:      CmdSetDictionary,
		RequestID: "abc-1",
		Payload:   map[string]any{"key": "openai", "value": "OpenAI"},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["type"] != CmdSetDictionary || decoded["request_id"] != "abc-1" {
		t.Fatalf("unexpected envelope: %v", decoded)
	}
	if decoded["key"] != "openai" || decoded["value"] != "OpenAI" {
		t.Fatalf("payload not flattened: %v", decoded)
	}
}

func TestCommandPayloadCannotOverrideEnvelope(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Command{Type: CmdPing, RequestID: "r1", Payload: map[string]any{"type": "evil"}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)
	if decoded["type"] != CmdPing {
		t.Fatalf("payload overrode type: %v", decoded)
	}
}

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	raw := `{"type":"response","protocol_version":"1.0.0","timestamp":"2026-01-01T00:00:00Z",
		"request_id":"r-7","response_type":"dictionary","ok":true,"result":{"entries":{"github":"GitHub"}}}`
	in, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if in.Response == nil || in.Event != nil {
		t.Fatalf("expected response, got %+v", in)
	}
	if in.Response.RequestID != "r-7" || !in.Response.OK {
		t.Fatalf("unexpected response: %+v", in.Response)
	}

	var result DictionaryResult
	if err := in.Response.DecodeResult(&result); err != nil {
		t.Fatalf("decode result failed: %v", err)
	}
	if result.Entries["github"] != "GitHub" {
		t.Fatalf("unexpected entries: %v", result.Entries)
	}
}

func TestDecodeResponseNumericAndNullRequestID(t *testing.T) {
	t.Parallel()

	in, err := Decode([]byte(`{"type":"response","request_id":42,"ok":false,"error":{"code":"bad","message":"nope"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if in.Response.RequestID != "42" {
		t.Fatalf("unexpected numeric id: %q", in.Response.RequestID)
	}
	if in.Response.Error == nil || in.Response.Error.Message != "nope" {
		t.Fatalf("unexpected error payload: %+v", in.Response.Error)
	}

	in, err = Decode([]byte(`{"type":"response","request_id":null,"ok":true}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if in.Response.RequestID != "" {
		t.Fatalf("expected empty id for null, got %q", in.Response.RequestID)
	}
}

func TestDecodeEvents(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw   string
		check func(t *testing.T, ev Event)
	}{
		{
			raw: `{"type":"state","state":"recording"}`,
			check: func(t *testing.T, ev Event) {
				state, ok := ev.(*StateEvent)
				if !ok || state.State != domain.EngineStateRecording {
					t.Fatalf("unexpected state event: %#v", ev)
				}
			},
		},
		{
			raw: `{"type":"model_download_progress","status":"downloading","model":"tiny","progress_pct":42.5}`,
			check: func(t *testing.T, ev Event) {
				dl, ok := ev.(*ModelDownloadEvent)
				if !ok || dl.Status != domain.JobDownloading || dl.ProgressPct != 42.5 {
					t.Fatalf("unexpected download event: %#v", ev)
				}
				if dl.EventType() != EventModelDownloadProgress {
					t.Fatalf("unexpected event type: %s", dl.EventType())
				}
			},
		},
		{
			raw: `{"type":"transcription","text":"hi","entry":{"id":3,"text":"hi","backend":"fw","model":"tiny","status":"ok"}}`,
			check: func(t *testing.T, ev Event) {
				tr, ok := ev.(*TranscriptionEvent)
				if !ok || tr.Entry == nil || tr.Entry.ID != 3 {
					t.Fatalf("unexpected transcription event: %#v", ev)
				}
			},
		},
		{
			raw: `{"type":"dictionary_deleted","key":"github"}`,
			check: func(t *testing.T, ev Event) {
				del, ok := ev.(*DictionaryDeletedEvent)
				if !ok || del.Key != "github" {
					t.Fatalf("unexpected delete event: %#v", ev)
				}
			},
		},
		{
			raw: `{"type":"shutting_down"}`,
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.(*ShuttingDownEvent); !ok {
					t.Fatalf("unexpected shutdown event: %#v", ev)
				}
			},
		},
		{
			raw: `{"type":"future_thing","x":1}`,
			check: func(t *testing.T, ev Event) {
				unknown, ok := ev.(*UnknownEvent)
				if !ok || unknown.EventType() != "future_thing" || len(unknown.Raw) == 0 {
					t.Fatalf("unexpected unknown event: %#v", ev)
				}
			},
		},
	}

	for _, tc := range cases {
		in, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s failed: %v", tc.raw, err)
		}
		if in.Response != nil {
			t.Fatalf("expected event for %s", tc.raw)
		}
		tc.check(t, in.Event)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatalf("expected decode error for invalid json")
	}
	if _, err := Decode([]byte(`[1,2,3]`)); err == nil {
		t.Fatalf("expected decode error for non-object")
	}
	if _, err := Decode([]byte(`{"state":"idle"}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestDecodeResultWithoutResult(t *testing.T) {
	t.Parallel()

	resp := Response{ResponseType: "config"}
	var out map[string]any
	if err := resp.DecodeResult(&out); err == nil {
		t.Fatalf("expected error for missing result")
	}
}
