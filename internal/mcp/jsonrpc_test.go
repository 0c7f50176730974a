package mcp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestNotificationOmitsID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["id"]; ok {
		t.Errorf("notification has id field: %s", data)
	}
	if _, ok := raw["params"]; ok {
		t.Errorf("nil params should be omitted: %s", data)
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind FrameKind
		wantErr  bool
	}{
		{
			name:     "success response",
			raw:      `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`,
			wantKind: KindResponse,
		},
		{
			name:     "null result counts as present",
			raw:      `{"jsonrpc":"2.0","id":7,"result":null}`,
			wantKind: KindResponse,
		},
		{
			name:     "error response",
			raw:      `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`,
			wantKind: KindResponse,
		},
		{
			name:     "notification",
			raw:      `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`,
			wantKind: KindNotification,
		},
		{
			name:     "server request",
			raw:      `{"jsonrpc":"2.0","id":9,"method":"ping"}`,
			wantKind: KindRequest,
		},
		{
			name:    "response with both result and error",
			raw:     `{"jsonrpc":"2.0","id":3,"result":{},"error":{"code":1,"message":"x"}}`,
			wantErr: true,
		},
		{
			name:    "response with neither result nor error",
			raw:     `{"jsonrpc":"2.0","id":4}`,
			wantErr: true,
		},
		{
			name:    "no id and no method",
			raw:     `{"jsonrpc":"2.0","result":{}}`,
			wantErr: true,
		},
		{
			name:    "array",
			raw:     `[1,2,3]`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `hello`,
			wantErr: true,
		},
		{
			name:    "string id",
			raw:     `{"jsonrpc":"2.0","id":"abc","result":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.raw))
			if tt.wantErr {
				var de *DecodeError
				if !errors.As(err, &de) {
					t.Fatalf("DecodeFrame(%s) error = %v, want *DecodeError", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame(%s): %v", tt.raw, err)
			}
			if got := f.Kind(); got != tt.wantKind {
				t.Errorf("Kind() = %v, want %v", got, tt.wantKind)
			}
		})
	}
}

func TestFrameResponse(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}

	resp := f.Response()
	if resp.ID != 2 {
		t.Errorf("ID = %d, want 2", resp.ID)
	}
	if resp.Error == nil {
		t.Fatal("Error is nil, want non-nil")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("Error.Code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
	if got := resp.Error.Error(); got != "jsonrpc error -32601: Method not found" {
		t.Errorf("Error() = %q", got)
	}
}
