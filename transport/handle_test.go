// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"testing"
)

func TestAPIPath(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"/links":            "/api/links",
		"links":             "/api/links",
		"/api/links":        "/api/links",
		"/api":              "/api",
		"/api?pretty=1":     "/api?pretty=1",
		"/apix":             "/api/apix",
		"/archive/sim/list": "/api/archive/sim/list",
	}
	for input, want := range tests {
		if got := APIPath(input); got != want {
			t.Errorf("APIPath(%q) = %q, want %q", input, got, want)
		}
	}
	if name := (Request{Method: "GET", Path: "/links"}).Name(); name != "GET /api/links" {
		t.Errorf("Name = %q", name)
	}
}

func TestDecodeServerError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		status      int
		body        string
		wantCode    string
		wantMessage string
	}{
		{"flat", 404, `{"code":"NOT_FOUND","message":"no link"}`, "NOT_FOUND", "no link"},
		{"type and msg", 400, `{"type":"BadRequest","msg":"bad range"}`, "BadRequest", "bad range"},
		{"nested", 409, `{"error":{"code":"CONFLICT","message":"exists"}}`, "CONFLICT", "exists"},
		{"plain text", 502, "upstream down\n", "HTTP_502", "upstream down"},
		{"empty", 500, "", "HTTP_500", "Internal Server Error"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := decodeServerError(test.status, []byte(test.body))
			if got.StatusCode != test.status || got.Code != test.wantCode || got.Message != test.wantMessage {
				t.Fatalf("decodeServerError = %+v", got)
			}
		})
	}
}

func TestResponseDecode(t *testing.T) {
	t.Parallel()
	ok := &Response{StatusCode: 200, Body: []byte(`["a","b"]`)}
	var names []string
	if err := ok.Decode(&names); err != nil || len(names) != 2 {
		t.Fatalf("Decode = %v, %v", names, err)
	}

	failed := &Response{StatusCode: 404, Error: &ServerError{StatusCode: 404, Code: "NOT_FOUND"}}
	var serverErr *ServerError
	if err := failed.Decode(&names); !errors.As(err, &serverErr) {
		t.Fatalf("Decode on failed response = %v, want *ServerError", err)
	}

	garbage := &Response{StatusCode: 200, Body: []byte("<html>")}
	var protocolErr *ProtocolError
	if err := garbage.Decode(&names); !errors.As(err, &protocolErr) {
		t.Fatalf("Decode on garbage = %v, want *ProtocolError", err)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	t.Parallel()
	messages := []ControlMessage{
		{Channel: "tm", Operation: OpSubscribe, Payload: []byte{1}},
		{Channel: "events", Operation: OpSubscribe},
		{Channel: "tm", Operation: OpUnsubscribe},
	}
	data, err := EncodeBatch(messages)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	decoded, err := DecodeBatch(data)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(decoded) != 3 || decoded[2].Operation != OpUnsubscribe || decoded[1].Channel != "events" {
		t.Fatalf("decoded = %+v", decoded)
	}

	dataFrame, _ := EncodeMessage(Message{Channel: "tm", Payload: []byte("x")})
	if _, err := DecodeBatch(dataFrame); err == nil {
		t.Fatal("DecodeBatch accepted a data frame")
	}
}

func TestReadRecords(t *testing.T) {
	t.Parallel()
	var stream []byte
	stream = AppendRecord(stream, []byte("first"))
	stream = AppendRecord(stream, nil)
	stream = AppendRecord(stream, []byte("third"))

	var got [][]byte
	err := ReadRecords(bytes.NewReader(stream), func(chunk []byte) error {
		got = append(got, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(got) != 3 || string(got[0]) != "first" || len(got[1]) != 0 || string(got[2]) != "third" {
		t.Fatalf("records = %q", got)
	}
}

func TestReadRecordsTruncated(t *testing.T) {
	t.Parallel()
	stream := AppendRecord(nil, []byte("complete"))
	stream = append(stream, 10, 'a', 'b')

	count := 0
	err := ReadRecords(bytes.NewReader(stream), func([]byte) error {
		count++
		return nil
	})
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("ReadRecords = %v, want *ProtocolError", err)
	}
	if count != 1 {
		t.Fatalf("sink called %d times before truncation, want 1", count)
	}
}

func TestReadRecordsSinkError(t *testing.T) {
	t.Parallel()
	stop := errors.New("enough")
	stream := AppendRecord(AppendRecord(nil, []byte("a")), []byte("b"))
	err := ReadRecords(bytes.NewReader(stream), func([]byte) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("ReadRecords = %v, want sink error", err)
	}
}
