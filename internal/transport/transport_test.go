package transport

import (
	"bytes"
	"testing"

	"github.com/chenfan33/cloud-project/internal/kv"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	if err := WriteMessage(&buf, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ReadMessage = %q, want %q", got, payload)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	c := Command{
		Com:        ComCPut,
		User:       "alice",
		Key:        "k",
		Value1:     []byte("expected"),
		Value2:     []byte("new"),
		Addrs:      []string{"10.0.0.1:9000", "10.0.0.2:9000"},
		SequenceID: 7,
	}
	data := EncodeCommand(c)
	got, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if got.Com != c.Com || got.User != c.User || got.Key != c.Key {
		t.Fatalf("DecodeCommand = %+v, want %+v", got, c)
	}
	if string(got.Value1) != string(c.Value1) || string(got.Value2) != string(c.Value2) {
		t.Fatalf("DecodeCommand values mismatch: %+v", got)
	}
	if len(got.Addrs) != 2 || got.Addrs[0] != c.Addrs[0] || got.Addrs[1] != c.Addrs[1] {
		t.Fatalf("DecodeCommand addrs mismatch: %+v", got.Addrs)
	}
	if got.SequenceID != c.SequenceID {
		t.Fatalf("DecodeCommand seq = %d, want %d", got.SequenceID, c.SequenceID)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	r := Reply{
		Status: -3,
		Value:  []byte("v"),
		Pairs:  []kv.Pair{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}},
	}
	data := EncodeReply(r)
	got, err := DecodeReply(data)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if got.Status != r.Status || string(got.Value) != string(r.Value) {
		t.Fatalf("DecodeReply = %+v, want %+v", got, r)
	}
	if len(got.Pairs) != 2 || got.Pairs[0].Key != "a" || string(got.Pairs[1].Value) != "2" {
		t.Fatalf("DecodeReply pairs = %+v", got.Pairs)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := FileEnvelope{Filename: "alice/chunk_index", Type: EntryFile, Size: 5, Body: []byte("12345")}
	data := EncodeEnvelope(e)
	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.Filename != e.Filename || got.Type != e.Type || got.Size != e.Size || string(got.Body) != string(e.Body) {
		t.Fatalf("DecodeEnvelope = %+v, want %+v", got, e)
	}
}

func TestEnvelopeDirEntry(t *testing.T) {
	e := FileEnvelope{Filename: "bob", Type: EntryDir, Size: 0}
	data := EncodeEnvelope(e)
	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope dir: %v", err)
	}
	if got.Type != EntryDir || got.Size != 0 {
		t.Fatalf("DecodeEnvelope dir = %+v", got)
	}
}
