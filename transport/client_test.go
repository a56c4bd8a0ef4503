// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/lib/secret"
	"github.com/groundlink/uplink/lib/testutil"
	"github.com/groundlink/uplink/transport"
	"github.com/groundlink/uplink/transport/transporttest"
)

const timeout = 5 * time.Second

func newClient(t *testing.T, server *transporttest.Server, target endpoint.Config, onMessage func(transport.Message)) *transport.Client {
	t.Helper()
	client := transport.New(target, onMessage, transport.Options{
		DialContext:  server.DialContext,
		UserAgent:    "uplink-test/1",
		ClientID:     "client-1",
		PingInterval: -1,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestInstances(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim", "ops")
	client := newClient(t, server, server.Endpoint("sim"), nil)

	instances, err := client.Instances(context.Background())
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	if len(instances) != 2 || instances[0] != "sim" || instances[1] != "ops" {
		t.Fatalf("Instances = %v", instances)
	}
}

func TestInstancesMalformed(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t)
	server.Handle("GET /api/instances", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	})
	client := newClient(t, server, server.Endpoint("sim"), nil)

	_, err := client.Instances(context.Background())
	var protocolErr *transport.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("Instances = %v, want *ProtocolError", err)
	}
}

func TestInstancesUnavailable(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t)
	server.RespondJSON("GET /api/instances", http.StatusServiceUnavailable, map[string]string{
		"code": "starting", "message": "server is starting",
	})
	client := newClient(t, server, server.Endpoint("sim"), nil)

	_, err := client.Instances(context.Background())
	var protocolErr *transport.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("Instances = %v, want *ProtocolError", err)
	}
	var serverErr *transport.ServerError
	if !errors.As(err, &serverErr) || serverErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Instances = %v, want wrapped 503 ServerError", err)
	}
}

func TestInstancesTruncatedBody(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t)
	server.Handle("GET /api/instances", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "200")
		w.Write([]byte(`{"instances":[{"name":`))
	})
	client := newClient(t, server, server.Endpoint("sim"), nil)

	_, err := client.Instances(context.Background())
	if !transport.IsTransportError(err) {
		t.Fatalf("Instances = %v, want a TransportError for a cut-off body", err)
	}
}

func TestDoAgainstNamedHost(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	server.RespondJSON("GET /api/links", http.StatusOK, []map[string]string{
		{"name": "tm-in"}, {"name": "tc-out"}, {"name": "udp"},
	})
	target := endpoint.Config{Host: "sim.example", Port: 8090, Instance: "sim"}
	client := newClient(t, server, target, nil)

	response, err := client.Do(context.Background(), transport.Request{Method: http.MethodGet, Path: "/links"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if response.Failed() {
		t.Fatalf("unexpected server error %v", response.Error)
	}
	var links []map[string]string
	if err := response.Decode(&links); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(links) != 3 || links[2]["name"] != "udp" {
		t.Fatalf("links = %v", links)
	}

	headers := server.RequestHeaders()
	last := headers[len(headers)-1]
	if last.Get("User-Agent") != "uplink-test/1" || last.Get(transport.ClientIDHeader) != "client-1" {
		t.Fatalf("request headers = %v", last)
	}
}

func TestDoApplicationErrorIsAResult(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	server.RespondJSON("POST /api/commands", http.StatusBadRequest, map[string]string{
		"code": "INVALID_ARGUMENT", "message": "unknown command",
	})
	client := newClient(t, server, server.Endpoint("sim"), nil)

	received := make(chan []byte, 1)
	server.Handle("PUT /api/echo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusNoContent)
	})

	response, err := client.Do(context.Background(), transport.Request{Method: http.MethodPost, Path: "/api/commands", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Do returned error for an application failure: %v", err)
	}
	if !response.Failed() || response.Error.Code != "INVALID_ARGUMENT" || response.StatusCode != 400 {
		t.Fatalf("response = %+v, error = %+v", response, response.Error)
	}

	response, err = client.Do(context.Background(), transport.Request{Method: http.MethodPut, Path: "/echo", Body: []byte(`{"a":1}`)})
	if err != nil || response.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT = %+v, %v", response, err)
	}
	if body := testutil.RequireReceive(t, received, timeout); string(body) != `{"a":1}` {
		t.Fatalf("server received %q", body)
	}
}

func TestAuthRejection(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	server.RequireAuth("operator", "correct")

	anonymous := newClient(t, server, server.Endpoint("sim"), nil)
	_, err := anonymous.Instances(context.Background())
	var authErr *transport.AuthError
	if !errors.As(err, &authErr) || authErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Instances = %v, want 401 AuthError", err)
	}
	if err := anonymous.OpenStream(context.Background(), "sim"); !transport.IsAuthError(err) {
		t.Fatalf("OpenStream = %v, want AuthError", err)
	}

	password, err := secret.FromBytes([]byte("correct"))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	target := server.Endpoint("sim")
	target.Credentials = &endpoint.Credentials{Username: "operator", Password: password}
	t.Cleanup(func() { target.Credentials.Close() })

	authorized := newClient(t, server, target, nil)
	if _, err := authorized.Instances(context.Background()); err != nil {
		t.Fatalf("Instances with credentials: %v", err)
	}
	if err := authorized.OpenStream(context.Background(), "sim"); err != nil {
		t.Fatalf("OpenStream with credentials: %v", err)
	}
}

func TestUnreachable(t *testing.T) {
	t.Parallel()
	target := transporttest.UnreachableEndpoint(t)
	client := transport.New(target, nil, transport.Options{PingInterval: -1})
	defer client.Close()

	_, err := client.Instances(context.Background())
	if !transport.IsTransportError(err) {
		t.Fatalf("Instances = %v, want TransportError", err)
	}
	if err := client.OpenStream(context.Background(), "sim"); !transport.IsTransportError(err) {
		t.Fatalf("OpenStream = %v, want TransportError", err)
	}
}

func TestStreamDeliversInOrder(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	received := make(chan transport.Message, 16)
	client := newClient(t, server, server.Endpoint("sim"), func(message transport.Message) {
		received <- message
	})

	if err := client.OpenStream(context.Background(), "sim"); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	testutil.Eventually(t, timeout, func() bool { return server.StreamCount() == 1 }, "stream registered")

	server.PublishRaw([]byte{0xff, 0x00})
	for i := uint64(1); i <= 3; i++ {
		server.Publish(transport.Message{Channel: "tm", Sequence: i, Payload: []byte{byte(i)}})
	}
	for i := uint64(1); i <= 3; i++ {
		message := testutil.RequireReceive(t, received, timeout, "message %d", i)
		if message.Sequence != i || message.Channel != "tm" || message.Payload[0] != byte(i) {
			t.Fatalf("message %d = %+v", i, message)
		}
	}
	select {
	case <-client.Done():
		t.Fatal("malformed frame ended the stream")
	default:
	}
}

func TestWriteBatchIsOneFrame(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	client := newClient(t, server, server.Endpoint("sim"), nil)

	messages := []transport.ControlMessage{
		{Channel: "tm", Operation: transport.OpSubscribe},
		{Channel: "alarms", Operation: transport.OpSubscribe},
		{Channel: "tm", Operation: transport.OpUnsubscribe},
	}
	if err := client.WriteBatch(context.Background(), messages); !errors.Is(err, transport.ErrStreamNotOpen) {
		t.Fatalf("WriteBatch before OpenStream = %v", err)
	}
	if err := client.OpenStream(context.Background(), "sim"); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := client.WriteBatch(context.Background(), messages); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	batch := testutil.RequireReceive(t, server.Batches(), timeout, "batch")
	if len(batch) != 3 || batch[1].Channel != "alarms" || batch[2].Operation != transport.OpUnsubscribe {
		t.Fatalf("batch = %+v", batch)
	}
	testutil.RequireNoReceive(t, server.Batches(), 20*time.Millisecond, "second batch")
}

func TestStreamDropIsReported(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	client := newClient(t, server, server.Endpoint("sim"), nil)
	if err := client.OpenStream(context.Background(), "sim"); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	testutil.Eventually(t, timeout, func() bool { return server.StreamCount() == 1 })

	server.DropStreams()
	testutil.RequireClosed(t, client.Done(), timeout, "stream end")
	if !transport.IsTransportError(client.Err()) {
		t.Fatalf("Err = %v, want TransportError", client.Err())
	}
	if err := client.WriteBatch(context.Background(), []transport.ControlMessage{{Channel: "tm"}}); err == nil {
		t.Fatal("WriteBatch succeeded on a dropped stream")
	}
}

func TestCloseIsNotAFailure(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	client := newClient(t, server, server.Endpoint("sim"), nil)
	if err := client.OpenStream(context.Background(), "sim"); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	testutil.RequireClosed(t, client.Done(), timeout)
	if client.Err() != nil {
		t.Fatalf("Err after Close = %v", client.Err())
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := client.OpenStream(context.Background(), "sim"); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("OpenStream after Close = %v", err)
	}
}

func TestCloseBeforeOpen(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	client := newClient(t, server, server.Endpoint("sim"), nil)
	client.Close()
	testutil.RequireClosed(t, client.Done(), timeout)
	if _, err := client.Do(context.Background(), transport.Request{Method: "GET", Path: "/links"}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Do after Close = %v", err)
	}
}

func TestOpenStreamUnknownInstance(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	client := newClient(t, server, server.Endpoint("sim"), nil)
	err := client.OpenStream(context.Background(), "missing")
	var protocolErr *transport.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("OpenStream = %v, want ProtocolError", err)
	}
}

func TestDoStreamEncodings(t *testing.T) {
	t.Parallel()
	var plain []byte
	records := []string{"alpha", "beta", "gamma"}
	for _, record := range records {
		plain = transport.AppendRecord(plain, []byte(record))
	}

	var gzipped bytes.Buffer
	gzipWriter := gzip.NewWriter(&gzipped)
	gzipWriter.Write(plain)
	gzipWriter.Close()

	zstdEncoder, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	zstdData := zstdEncoder.EncodeAll(plain, nil)
	zstdEncoder.Close()

	bodies := map[string][]byte{"": plain, "gzip": gzipped.Bytes(), "zstd": zstdData}

	server := transporttest.NewServer(t, "sim")
	server.Handle("GET /api/archive/{encoding}", func(w http.ResponseWriter, r *http.Request) {
		encoding := r.PathValue("encoding")
		if encoding == "identity" {
			encoding = ""
		}
		if encoding != "" {
			w.Header().Set("Content-Encoding", encoding)
		}
		w.Write(bodies[encoding])
	})
	client := newClient(t, server, server.Endpoint("sim"), nil)

	for _, encoding := range []string{"identity", "gzip", "zstd"} {
		t.Run(encoding, func(t *testing.T) {
			var got []string
			response, err := client.DoStream(context.Background(),
				transport.Request{Method: http.MethodGet, Path: "/archive/" + encoding},
				func(chunk []byte) error {
					got = append(got, string(chunk))
					return nil
				})
			if err != nil {
				t.Fatalf("DoStream: %v", err)
			}
			if response.StatusCode != http.StatusOK || response.Failed() {
				t.Fatalf("response = %+v", response)
			}
			if len(got) != 3 || got[0] != "alpha" || got[2] != "gamma" {
				t.Fatalf("records = %v", got)
			}
		})
	}
}

func TestDoStreamServerError(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	server.RespondJSON("GET /api/archive/sim/downloads", http.StatusNotFound, map[string]string{
		"code": "NOT_FOUND", "message": "no such range",
	})
	client := newClient(t, server, server.Endpoint("sim"), nil)

	called := false
	response, err := client.DoStream(context.Background(),
		transport.Request{Method: http.MethodGet, Path: "/archive/sim/downloads"},
		func([]byte) error { called = true; return nil })
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	if !response.Failed() || response.Error.Code != "NOT_FOUND" || called {
		t.Fatalf("response = %+v called = %v", response, called)
	}
}

func TestDoStreamTruncatedErrorBody(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	server.Handle("GET /api/archive", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "500")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":"INTERNAL",`))
	})
	client := newClient(t, server, server.Endpoint("sim"), nil)

	response, err := client.DoStream(context.Background(),
		transport.Request{Method: http.MethodGet, Path: "/archive"},
		func([]byte) error { return nil })
	if !transport.IsTransportError(err) || response != nil {
		t.Fatalf("DoStream = %+v, %v; want a TransportError", response, err)
	}
}

func TestDoStreamSinkAbort(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	server.Handle("GET /api/archive", func(w http.ResponseWriter, _ *http.Request) {
		var body []byte
		for i := 0; i < 5; i++ {
			body = transport.AppendRecord(body, []byte{byte(i)})
		}
		w.Write(body)
	})
	client := newClient(t, server, server.Endpoint("sim"), nil)

	stop := errors.New("stop here")
	count := 0
	_, err := client.DoStream(context.Background(), transport.Request{Method: http.MethodGet, Path: "/archive"},
		func([]byte) error {
			count++
			if count == 2 {
				return stop
			}
			return nil
		})
	if !errors.Is(err, stop) || count != 2 {
		t.Fatalf("DoStream = %v after %d records", err, count)
	}
}

func TestNewDialerSharesClientID(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	dialer := transport.NewDialer(transport.Options{DialContext: server.DialContext, PingInterval: -1})

	for i := 0; i < 2; i++ {
		handle := dialer.Dial(server.Endpoint("sim"), nil)
		if _, err := handle.Instances(context.Background()); err != nil {
			t.Fatalf("Instances: %v", err)
		}
		handle.Close()
	}
	headers := server.RequestHeaders()
	first, second := headers[0].Get(transport.ClientIDHeader), headers[1].Get(transport.ClientIDHeader)
	if first == "" || first != second {
		t.Fatalf("client ids %q and %q, want one shared id", first, second)
	}
}

func TestResponseJSONBodyKept(t *testing.T) {
	t.Parallel()
	server := transporttest.NewServer(t, "sim")
	server.RespondJSON("GET /api/status", http.StatusOK, map[string]int{"uptime": 7})
	client := newClient(t, server, server.Endpoint("sim"), nil)

	response, err := client.Do(context.Background(), transport.Request{Method: http.MethodGet, Path: "/status"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	var status map[string]int
	if err := json.Unmarshal(response.Body, &status); err != nil || status["uptime"] != 7 {
		t.Fatalf("body %q: %v", response.Body, err)
	}
}
