// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

type jsonLog struct {
	Msg   string    `json:"msg"`
	Level Level     `json:"level"`
	Time  time.Time `json:"time"`
	Tag   string    `json:"tag,omitempty"`
}

type k8sJSONLog struct {
	Log   string    `json:"log"`
	Level Level     `json:"level"`
	Time  time.Time `json:"time"`
	Tag   string    `json:"tag,omitempty"`
}

// MarshalJSON implements json.Marshaler.MarashalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning:
		return []byte(`"warning"`), nil
	case Info:
		return []byte(`"info"`), nil
	case Debug:
		return []byte(`"debug"`), nil
	default:
		return nil, fmt.Errorf("unknown level %v", l)
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON.  It can unmarshal
// from both string names and integers.
func (l *Level) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case "0", `"warning"`:
		*l = Warning
	case "1", `"info"`:
		*l = Info
	case "2", `"debug"`:
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

// lineWithCaller formats the message behind the base name and line of the
// frame depth+1 levels above.
func lineWithCaller(depth int, format string, v ...any) string {
	msg := fmt.Sprintf(format, v...)
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return msg
	}
	return fmt.Sprintf("%s:%d] %s", file[strings.LastIndexByte(file, '/')+1:], line, msg)
}

// writeJSON writes v as a single line. Records that cannot be encoded are
// dropped with a note in their place.
func writeJSON(w *Writer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"msg":%q}`, "unencodable log record: "+err.Error()))
	}
	w.Write(b)
}

// JSONEmitter logs messages in json format.
type JSONEmitter struct {
	*Writer

	// Tag, if set, is stored in the "tag" field of every record.
	Tag string
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	writeJSON(e.Writer, jsonLog{
		Msg:   lineWithCaller(depth+1, format, v...),
		Level: level,
		Time:  timestamp,
		Tag:   e.Tag,
	})
}

// K8sJSONEmitter logs messages in json format that is compatible with
// Kubernetes fluent configuration.
type K8sJSONEmitter struct {
	*Writer

	// Tag is as for JSONEmitter.
	Tag string
}

// Emit implements Emitter.Emit.
func (e K8sJSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	writeJSON(e.Writer, k8sJSONLog{
		Log:   lineWithCaller(depth+1, format, v...),
		Level: level,
		Time:  timestamp,
		Tag:   e.Tag,
	})
}
