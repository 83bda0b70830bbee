package proxy

import (
	"errors"
	"testing"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		chunk   string
		connect bool
		host    string
		port    int
		wantErr bool
	}{
		{name: "connect", chunk: "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n", connect: true, host: "example.com", port: 443},
		{name: "connect ipv6", chunk: "CONNECT [::1]:8443 HTTP/1.1\r\n\r\n", connect: true, host: "::1", port: 8443},
		{name: "connect without port", chunk: "CONNECT example.com HTTP/1.1\r\n\r\n", wantErr: true},
		{name: "connect bad port", chunk: "CONNECT example.com:99999 HTTP/1.1\r\n\r\n", wantErr: true},
		{name: "connect lookalike", chunk: "CONNECTX example.com:443 HTTP/1.1\r\n\r\n", wantErr: true},
		{name: "absolute http", chunk: "GET http://example.com/path HTTP/1.1\r\nHost: example.com\r\n\r\n", host: "example.com", port: 80},
		{name: "absolute with port", chunk: "POST http://example.com:8080/x?y=1 HTTP/1.1\r\n\r\n", host: "example.com", port: 8080},
		{name: "https scheme", chunk: "GET https://example.com/ HTTP/1.1\r\n\r\n", host: "example.com", port: 80},
		{name: "scheme case", chunk: "GET HTTP://Example.com:81/ HTTP/1.1\r\n\r\n", host: "Example.com", port: 81},
		{name: "no scheme", chunk: "GET example.com:8000 HTTP/1.1\r\n\r\n", host: "example.com", port: 8000},
		{name: "lowercase method", chunk: "get http://example.com/ HTTP/1.1\r\n\r\n", host: "example.com", port: 80},
		{name: "origin form", chunk: "GET /index.html HTTP/1.1\r\n\r\n", wantErr: true},
		{name: "garbage", chunk: "\x16\x03\x01\x02\x00\x01", wantErr: true},
		{name: "empty", chunk: "", wantErr: true},
		{name: "method only", chunk: "GET\r\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.chunk))
			if tt.wantErr {
				if !errors.Is(err, ErrUnrecognizedRequest) {
					t.Fatalf("err = %v, want ErrUnrecognizedRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if req.Connect != tt.connect || req.Host != tt.host || req.Port != tt.port {
				t.Fatalf("got %+v", req)
			}
		})
	}
}

func TestFirstLine(t *testing.T) {
	if got := FirstLine([]byte("GET x HTTP/1.1\r\nHost: y\r\n")); got != "GET x HTTP/1.1" {
		t.Fatalf("got %q", got)
	}
	if got := FirstLine([]byte("partial")); got != "partial" {
		t.Fatalf("got %q", got)
	}
}

func TestConnectPayload(t *testing.T) {
	if p := connectPayload([]byte("CONNECT a:1 HTTP/1.1\r\n\r\n")); p != nil {
		t.Fatalf("got %q", p)
	}
	if p := connectPayload([]byte("CONNECT a:1 HTTP/1.1\r\n\r\nhello")); string(p) != "hello" {
		t.Fatalf("got %q", p)
	}
}

func TestStateMachine(t *testing.T) {
	m := newStateMachine()
	if !m.advance(StateAwaitingFirstData) || !m.advance(StateResolving) {
		t.Fatal("forward transition refused")
	}
	if m.advance(StateAwaitingFirstData) {
		t.Fatal("backward transition allowed")
	}
	if m.advance(StateResolving) {
		t.Fatal("repeated transition allowed")
	}
	if !m.advance(StateClosed) {
		t.Fatal("closed refused")
	}
	if m.advance(StateClosed) {
		t.Fatal("closed twice")
	}
	if m.State() != StateClosed || len(m.path) != 4 {
		t.Fatalf("state %v path %v", m.State(), m.path)
	}
}
