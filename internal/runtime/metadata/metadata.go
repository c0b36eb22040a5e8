package metadata

import (
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Metadata represents the headers carried alongside a queued payload.
type Metadata map[string]string

// Reserved header keys.
const (
	// KeyCorrelationID tracks a submission from the HTTP request to the sink.
	KeyCorrelationID = "correlation_id"

	// KeyContentType names the codec that encoded the body.
	KeyContentType = "content_type"

	// KeyPayloadSchema identifies the encoded payload type.
	KeyPayloadSchema = "payload_schema"

	// KeyMessageUUID is the header watermill-amqp stores message UUIDs under.
	KeyMessageUUID = "_watermill_message_uuid"

	// KeyPublishedAt records when the producer handed the message to the broker.
	KeyPublishedAt = "published_at"

	// KeyDeliveryCount is set by RabbitMQ quorum queues on redelivery.
	KeyDeliveryCount = "x-delivery-count"

	// Dead-letter annotations added before a poison message is republished.
	KeyPoisonError         = "predictflow_error"
	KeyPoisonOriginalQueue = "predictflow_original_queue"
	KeyPoisonAttempts      = "predictflow_attempts"
	KeyPoisonFailedAt      = "predictflow_failed_at"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	maps.Copy(cloned, m)
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromHeaders flattens AMQP header values into strings. Nested tables and
// arrays are rendered with fmt and are only useful for logging.
func FromHeaders(headers map[string]any) Metadata {
	md := make(Metadata, len(headers))
	for k, v := range headers {
		switch val := v.(type) {
		case string:
			md[k] = val
		case []byte:
			md[k] = string(val)
		case time.Time:
			md[k] = val.UTC().Format(time.RFC3339Nano)
		case nil:
			md[k] = ""
		default:
			md[k] = fmt.Sprint(val)
		}
	}
	return md
}

// ToHeaders converts metadata into an AMQP header table value.
func ToHeaders(m Metadata) map[string]any {
	headers := make(map[string]any, len(m))
	for k, v := range m {
		headers[k] = v
	}
	return headers
}

// HeaderInt reads an integer header regardless of the numeric type the broker
// used to encode it.
func HeaderInt(headers map[string]any, key string) (int64, bool) {
	switch v := headers[key].(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
