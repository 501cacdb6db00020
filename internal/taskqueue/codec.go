package taskqueue

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/petrijr/delaywatch/pkg/api"
)

func init() {
	gob.Register(api.StartDelayCheckPayload{})
	gob.Register(api.StartRecurringPayload{})
	gob.Register(api.SignalPayload{})
}

// EncodeTask gob-encodes a Task.
func EncodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTask gob-decodes a Task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// dueAt is the time a task becomes eligible, used as the ordering key by
// the persistent queues.
func dueAt(t Task) time.Time {
	if t.NotBefore.IsZero() {
		return t.EnqueuedAt
	}
	return t.NotBefore
}

// pollTimer is a reusable stopped timer for idle polling loops.
func pollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return tmr
}
