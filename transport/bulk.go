// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/groundlink/uplink/lib/netutil"
)

// maxRecordSize bounds one record of a streamed response.
const maxRecordSize = 16 << 20

// DoStream performs request and feeds the uvarint-length-delimited
// records of the response body to sink. The body may be gzip or zstd
// encoded.
func (c *Client) DoStream(ctx context.Context, request Request, sink ChunkSink) (*Response, error) {
	httpResponse, err := c.send(ctx, request, "zstd, gzip")
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	response := &Response{StatusCode: httpResponse.StatusCode, Header: httpResponse.Header}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		body, err := netutil.ReadResponse(httpResponse.Body)
		if err != nil {
			return nil, &TransportError{Op: request.Name(), Endpoint: c.target.String(), Err: err}
		}
		response.Error = decodeServerError(httpResponse.StatusCode, body)
		return response, nil
	}

	body, release, err := decodedBody(httpResponse.Body, httpResponse.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, &ProtocolError{Op: request.Name(), Detail: "cannot decode response body", Err: err}
	}
	defer release()

	if err := ReadRecords(body, sink); err != nil {
		var protocolErr *ProtocolError
		switch {
		case errors.Is(err, errSink):
			return nil, errors.Unwrap(err)
		case errors.As(err, &protocolErr):
			protocolErr.Op = request.Name()
			return nil, protocolErr
		default:
			return nil, &TransportError{Op: request.Name(), Endpoint: c.target.String(), Err: err}
		}
	}
	return response, nil
}

func decodedBody(body io.Reader, contentEncoding string) (io.Reader, func(), error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, func() {}, nil
	case "gzip":
		reader, err := gzip.NewReader(body)
		if err != nil {
			return nil, nil, err
		}
		return reader, func() { reader.Close() }, nil
	case "zstd":
		decoder, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return decoder, decoder.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}

// errSink marks errors returned by the caller's sink.
var errSink = errors.New("sink error")

type sinkError struct{ err error }

func (e *sinkError) Error() string        { return e.err.Error() }
func (e *sinkError) Is(target error) bool { return target == errSink }
func (e *sinkError) Unwrap() error        { return e.err }

// ReadRecords splits r into uvarint-length-delimited records and calls
// sink for each. A clean end of input between records ends the read.
func ReadRecords(r io.Reader, sink ChunkSink) error {
	reader := bufio.NewReader(r)
	for {
		length, err := binary.ReadUvarint(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				return &ProtocolError{Op: "read records", Detail: "truncated record length", Err: err}
			}
			return err
		}
		if length > maxRecordSize {
			return &ProtocolError{Op: "read records", Detail: fmt.Sprintf("record of %d bytes exceeds limit", length)}
		}
		record := make([]byte, length)
		if _, err := io.ReadFull(reader, record); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return &ProtocolError{Op: "read records", Detail: "truncated record", Err: err}
			}
			return err
		}
		if err := sink(record); err != nil {
			return &sinkError{err: err}
		}
	}
}

// AppendRecord appends record to buf with its length prefix.
func AppendRecord(buf, record []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(record)))
	return append(buf, record...)
}
