// Package broker carries signal/slot traffic between instances. A Transport
// moves Messages, each a header Hash plus a body Hash, between subjects with
// at-most-once delivery; order is kept per publisher and subject.
//
// Three transports exist: an in-process one for tests and single-process
// deployments, NATS (through natsclient) and MQTT. New picks one from a URL.
package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/European-XFEL/Karabo-sub009/hash"
)

// Reserved header keys.
const (
	HeaderSignalInstanceID = "signalInstanceId"
	HeaderSignalFunction   = "signalFunction"
	HeaderSlotInstanceIDs  = "slotInstanceIds"
	HeaderSlotFunctions    = "slotFunctions"
	HeaderReplyTo          = "replyTo"
	HeaderReplyFrom        = "replyFrom"
	HeaderReplyInstanceIDs = "replyInstanceIds"
	HeaderReplyFunctions   = "replyFunctions"
	HeaderError            = "error"
	HeaderUserName         = "userName"
	HeaderHostName         = "hostName"
	HeaderTimestamp        = "MQTimestamp"
)

// ReplyFunction is the signalFunction of reply messages.
const ReplyFunction = "__reply__"

// Message is one broker message.
type Message struct {
	// Subject the message was delivered on. Empty when publishing.
	Subject string
	Header  *hash.Hash
	Body    *hash.Hash
}

// NewMessage returns a message with empty header and body when nil is given.
func NewMessage(header, body *hash.Hash) *Message {
	if header == nil {
		header = &hash.Hash{}
	}
	if body == nil {
		body = &hash.Hash{}
	}
	return &Message{Header: header, Body: body}
}

// HeaderString returns a string header value or "".
func (m *Message) HeaderString(key string) string {
	return hash.GetOr(m.Header, key, "")
}

// Encode serializes header then body, back to back.
func (m *Message) Encode() ([]byte, error) {
	if _, ok := m.Header.Get(HeaderTimestamp); !ok {
		m.Header.Set(HeaderTimestamp, time.Now().UnixMilli())
	}
	buf, err := hash.EncodeBinary(m.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	buf, err = hash.AppendBinary(buf, m.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return buf, nil
}

// Decode parses the output of Encode.
func Decode(subject string, data []byte) (*Message, error) {
	header, n, err := hash.DecodeBinaryPrefix(data)
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	body, err := hash.DecodeBinary(data[n:])
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return &Message{Subject: subject, Header: header, Body: body}, nil
}

// JoinInstanceIDs renders ids in the bar-delimited header form "|a||b|".
func JoinInstanceIDs(ids ...string) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteByte('|')
		b.WriteString(id)
		b.WriteByte('|')
	}
	return b.String()
}

// SplitInstanceIDs parses the form produced by JoinInstanceIDs.
func SplitInstanceIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "|") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SlotTarget names the slots called on one instance.
type SlotTarget struct {
	Instance string
	Slots    []string
}

// JoinSlotFunctions renders targets as "|a:s1,s2||b:s3|".
func JoinSlotFunctions(targets ...SlotTarget) string {
	parts := make([]string, len(targets))
	for i, t := range targets {
		parts[i] = t.Instance + ":" + strings.Join(t.Slots, ",")
	}
	return JoinInstanceIDs(parts...)
}

// SplitSlotFunctions parses the form produced by JoinSlotFunctions.
func SplitSlotFunctions(s string) []SlotTarget {
	var out []SlotTarget
	for _, part := range SplitInstanceIDs(s) {
		inst, slots, _ := strings.Cut(part, ":")
		t := SlotTarget{Instance: inst}
		if slots != "" {
			t.Slots = strings.Split(slots, ",")
		}
		out = append(out, t)
	}
	return out
}

// SlotsFor returns the slots addressed to instance.
func SlotsFor(header *hash.Hash, instance string) []string {
	for _, t := range SplitSlotFunctions(hash.GetOr(header, HeaderSlotFunctions, "")) {
		if t.Instance == instance || t.Instance == "*" {
			return t.Slots
		}
	}
	return nil
}
