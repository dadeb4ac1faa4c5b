package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event is one recorded engine occurrence (a compilation, a call-site bind).
type Event struct {
	Time   time.Time              `json:"time"`
	Module string                 `json:"module"`
	Kind   string                 `json:"kind"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

var fieldOrder = []string{"time", "module", "kind", "fields"}

// Custom JSON marshaling to preserve field order and omit empty fields.
func (e Event) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeField := func(key string, val []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, `"%s":`, key)
		buf.Write(val)
	}
	for _, f := range fieldOrder {
		switch f {
		case "time":
			b, _ := json.Marshal(e.Time)
			writeField(f, b)
		case "module":
			b, _ := json.Marshal(e.Module)
			writeField(f, b)
		case "kind":
			b, _ := json.Marshal(e.Kind)
			writeField(f, b)
		case "fields":
			if len(e.Fields) == 0 {
				continue
			}
			b, err := json.Marshal(e.Fields)
			if err != nil {
				return nil, err
			}
			writeField(f, b)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type recorder struct {
	mu      sync.Mutex
	enabled bool
	events  []Event
}

var events recorder

// RecordEvents starts keeping every Emit call in memory.
func RecordEvents() {
	events.mu.Lock()
	events.enabled = true
	events.mu.Unlock()
}

// StopRecording stops recording and drops what was kept.
func StopRecording() {
	events.mu.Lock()
	events.enabled = false
	events.events = nil
	events.mu.Unlock()
}

// Emit records an event and mirrors it to the module debug log.
func Emit(module, kind string, kv ...interface{}) {
	Debug(module, kind, kv...)
	events.mu.Lock()
	defer events.mu.Unlock()
	if !events.enabled {
		return
	}
	events.events = append(events.events, Event{
		Time:   time.Now().UTC(),
		Module: module,
		Kind:   kind,
		Fields: toMap(kv...),
	})
}

// GetRecordedEvents returns the recorded events as JSON lines.
func GetRecordedEvents() ([]byte, error) {
	events.mu.Lock()
	defer events.mu.Unlock()
	var buf bytes.Buffer
	for _, e := range events.events {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RecordedKinds lists the kinds of the recorded events in order.
func RecordedKinds() []string {
	events.mu.Lock()
	defer events.mu.Unlock()
	kinds := make([]string, len(events.events))
	for i, e := range events.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func toMap(kv ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	return m
}
