package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

const canonicalTag = "bizsync/1"

// CanonicalBytes renders every field except the signature as a sequence of
// netstrings. Strings are NFC normalized, the timestamp is RFC 3339 in UTC and
// the payload is compacted JSON, so two encoders that agree on the values
// produce identical bytes.
func CanonicalBytes(m *Message) []byte {
	var buf bytes.Buffer
	writeField(&buf, []byte(canonicalTag))
	writeField(&buf, norm.NFC.Bytes([]byte(m.MessageID)))
	writeField(&buf, norm.NFC.Bytes([]byte(m.Type)))
	writeField(&buf, norm.NFC.Bytes([]byte(m.SenderID)))
	writeField(&buf, norm.NFC.Bytes([]byte(m.ReceiverID)))
	writeField(&buf, []byte(m.Timestamp.UTC().Format(time.RFC3339Nano)))
	writeField(&buf, compactPayload(m.Payload))
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, field []byte) {
	buf.WriteString(strconv.Itoa(len(field)))
	buf.WriteByte(':')
	buf.Write(field)
	buf.WriteByte(',')
}

func compactPayload(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return raw
	}
	return out.Bytes()
}
