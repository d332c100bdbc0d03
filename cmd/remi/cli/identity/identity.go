package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind tags the entity an id is derived for. Two entities of different
// kinds never share an id even when their natural keys are equal.
type Kind string

const (
	KindSession     Kind = "session"
	KindMessage     Kind = "message"
	KindEvent       Kind = "event"
	KindArtifact    Kind = "artifact"
	KindProvenance  Kind = "provenance"
	KindArchiveItem Kind = "archive_item"
	KindRecord      Kind = "record"
)

const domain = "remi/id/v1"

// Field type tags for the canonical encoding.
const (
	tagString byte = 's'
	tagInt    byte = 'i'
	tagTime   byte = 't'
	tagBytes  byte = 'b'
)

// DeriveID returns the hex SHA-256 of the canonical encoding of kind and
// fields. Supported field types: string, []byte, int, int64, time.Time.
// Any other type is a programming error and panics.
func DeriveID(kind Kind, fields ...any) string {
	h := sha256.New()
	h.Write(encode(nil, tagString, []byte(domain)))
	h.Write(encode(nil, tagString, []byte(kind)))
	var buf []byte
	for _, f := range fields {
		buf = buf[:0]
		switch v := f.(type) {
		case string:
			buf = encode(buf, tagString, []byte(v))
		case []byte:
			buf = encode(buf, tagBytes, v)
		case int:
			buf = encode(buf, tagInt, binary.BigEndian.AppendUint64(nil, uint64(v)))
		case int64:
			buf = encode(buf, tagInt, binary.BigEndian.AppendUint64(nil, uint64(v)))
		case time.Time:
			buf = encode(buf, tagTime, binary.BigEndian.AppendUint64(nil, uint64(v.UTC().UnixNano())))
		default:
			panic(fmt.Sprintf("identity: unsupported field type %T", f))
		}
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// encode appends tag, uvarint(len(b)) and b to dst.
func encode(dst []byte, tag byte, b []byte) []byte {
	dst = append(dst, tag)
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// SessionID derives a session id from the agent name and the source-native
// session key.
func SessionID(agent, nativeKey string) string {
	return DeriveID(KindSession, agent, nativeKey)
}

// MessageID derives a message id from its session, the source-native message
// key and the message timestamp.
func MessageID(sessionID, nativeKey string, ts time.Time) string {
	return DeriveID(KindMessage, sessionID, nativeKey, ts)
}

// EventID derives an event id. Events are keyed like messages, with a kind
// discriminator so a tool call and its parent message never collide.
func EventID(sessionID, nativeKey, eventKind string, ts time.Time) string {
	return DeriveID(KindEvent, sessionID, nativeKey, eventKind, ts)
}

// ArtifactID derives an artifact id from its session and path. The checksum
// is not part of the key: a file rewritten during a session is one artifact
// whose checksum is updated.
func ArtifactID(sessionID, path string) string {
	return DeriveID(KindArtifact, sessionID, path)
}

// ProvenanceID derives the id of the provenance row for an entity.
func ProvenanceID(entityType, entityID string) string {
	return DeriveID(KindProvenance, entityType, entityID)
}

// RecordID derives a stable native id for a source record that carries none,
// from its location and raw bytes.
func RecordID(path string, raw []byte) string {
	return DeriveID(KindRecord, path, raw)
}

// ArchiveItemID derives the id of a session's entry in an archive run.
func ArchiveItemID(runID, sessionID string) string {
	return DeriveID(KindArchiveItem, runID, sessionID)
}
