// Package wire is the shared Kafka payload codec across every topic this
// fleet produces and consumes: storage/push (model.Message), ack
// (model.DeliveryEvent), offline-push (model.PushDispatchTask), and
// dlq-push (DLQEntry).
package wire

import (
	"encoding/json"

	"github.com/flarecore/messaging-core/pkg/model"
)

func EncodeMessage(msg model.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func DecodeMessage(buf []byte) (model.Message, error) {
	var msg model.Message
	err := json.Unmarshal(buf, &msg)
	return msg, err
}

// DeliveryEvent travels on the ack topic in the same JSON shape.

func EncodeDeliveryEvent(ev model.DeliveryEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func DecodeDeliveryEvent(buf []byte) (model.DeliveryEvent, error) {
	var ev model.DeliveryEvent
	err := json.Unmarshal(buf, &ev)
	return ev, err
}

func EncodePushTask(t model.PushDispatchTask) ([]byte, error) {
	return json.Marshal(t)
}

func DecodePushTask(buf []byte) (model.PushDispatchTask, error) {
	var t model.PushDispatchTask
	err := json.Unmarshal(buf, &t)
	return t, err
}

// DLQEntry is what the push worker publishes to the dead-letter topic on
// permanent channel-send failure: the original task plus the reason it
// was abandoned. The DLQ has its own retention and is not reprocessed
// automatically.
type DLQEntry struct {
	Task   model.PushDispatchTask
	Reason string
}

func EncodeDLQEntry(e DLQEntry) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeDLQEntry(buf []byte) (DLQEntry, error) {
	var e DLQEntry
	err := json.Unmarshal(buf, &e)
	return e, err
}
