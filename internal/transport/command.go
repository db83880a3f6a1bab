package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chenfan33/cloud-project/internal/kv"
)

// Command is a single client or replication request. Not every field
// is meaningful for every verb: PUTS uses User/Key/Value1, CPUT uses
// Value1 (expected) and Value2 (new), CLUSTER uses Addrs, others use a
// subset.
type Command struct {
	Com        string
	User       string
	Key        string
	Value1     []byte
	Value2     []byte
	Addrs      []string
	SequenceID uint64
}

const (
	ComPuts    = "PUTS"
	ComCPut    = "CPUT"
	ComGets    = "GETS"
	ComDele    = "DELE"
	ComAll     = "ALL"
	ComCkpt    = "CKPT"
	ComSync    = "SYNC"
	ComCluster = "CLUSTER"
	ComKill    = "KILL"
	ComRestart = "RESTART"
)

func putString(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func putBytes(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, fmt.Errorf("transport: read length: %w", err)
	}
	size := binary.LittleEndian.Uint32(n[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("transport: read field: %w", err)
	}
	return buf, nil
}

// EncodeCommand serializes a Command to its binary wire form.
func EncodeCommand(c Command) []byte {
	var buf bytes.Buffer
	putString(&buf, c.Com)
	putString(&buf, c.User)
	putString(&buf, c.Key)
	putBytes(&buf, c.Value1)
	putBytes(&buf, c.Value2)

	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(c.Addrs)))
	buf.Write(n[:])
	for _, a := range c.Addrs {
		putString(&buf, a)
	}

	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], c.SequenceID)
	buf.Write(seq[:])

	return buf.Bytes()
}

// DecodeCommand parses a Command from its binary wire form.
func DecodeCommand(data []byte) (Command, error) {
	r := bytes.NewReader(data)
	var c Command
	var err error

	if c.Com, err = readString(r); err != nil {
		return Command{}, err
	}
	if c.User, err = readString(r); err != nil {
		return Command{}, err
	}
	if c.Key, err = readString(r); err != nil {
		return Command{}, err
	}
	if c.Value1, err = readBytes(r); err != nil {
		return Command{}, err
	}
	if c.Value2, err = readBytes(r); err != nil {
		return Command{}, err
	}

	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return Command{}, fmt.Errorf("transport: read addr count: %w", err)
	}
	count := binary.LittleEndian.Uint32(n[:])
	c.Addrs = make([]string, count)
	for i := range c.Addrs {
		if c.Addrs[i], err = readString(r); err != nil {
			return Command{}, err
		}
	}

	var seq [8]byte
	if _, err := io.ReadFull(r, seq[:]); err != nil {
		return Command{}, fmt.Errorf("transport: read sequence id: %w", err)
	}
	c.SequenceID = binary.LittleEndian.Uint64(seq[:])

	return c, nil
}

// Reply is the response to a Command.
type Reply struct {
	Status int32
	Value  []byte
	Pairs  []kv.Pair
}

// EncodeReply serializes a Reply to its binary wire form.
func EncodeReply(r Reply) []byte {
	var buf bytes.Buffer
	var status [4]byte
	binary.LittleEndian.PutUint32(status[:], uint32(r.Status))
	buf.Write(status[:])
	putBytes(&buf, r.Value)

	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(r.Pairs)))
	buf.Write(n[:])
	for _, p := range r.Pairs {
		putString(&buf, p.Key)
		putBytes(&buf, p.Value)
	}
	return buf.Bytes()
}

// DecodeReply parses a Reply from its binary wire form.
func DecodeReply(data []byte) (Reply, error) {
	br := bytes.NewReader(data)
	var status [4]byte
	if _, err := io.ReadFull(br, status[:]); err != nil {
		return Reply{}, fmt.Errorf("transport: read status: %w", err)
	}
	var rep Reply
	rep.Status = int32(binary.LittleEndian.Uint32(status[:]))

	var err error
	if rep.Value, err = readBytes(br); err != nil {
		return Reply{}, err
	}

	var n [4]byte
	if _, err := io.ReadFull(br, n[:]); err != nil {
		return Reply{}, fmt.Errorf("transport: read pair count: %w", err)
	}
	count := binary.LittleEndian.Uint32(n[:])
	rep.Pairs = make([]kv.Pair, count)
	for i := range rep.Pairs {
		if rep.Pairs[i].Key, err = readString(br); err != nil {
			return Reply{}, err
		}
		if rep.Pairs[i].Value, err = readBytes(br); err != nil {
			return Reply{}, err
		}
	}
	return rep, nil
}
