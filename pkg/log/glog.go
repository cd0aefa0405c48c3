// Copyright 2018 Google LLC
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
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter

	// Tag, if set, is written in brackets ahead of every message. vspacectl
	// tags its debug log with the running command.
	Tag string
}

// buffer is an inline header buffer. It stays on the stack for typical
// header lengths.
type buffer struct {
	local [256]byte
	data  []byte
}

func (b *buffer) start() {
	b.data = b.local[:0]
}

func (b *buffer) String() string {
	return unsafeString(b.data)
}

func (b *buffer) write(c ...byte) {
	b.data = append(b.data, c...)
}

func (b *buffer) writeString(s string) {
	b.data = append(b.data, s...)
}

// writeDigits writes the low n decimal digits of v, zero padded.
func (b *buffer) writeDigits(v, n int) {
	end := len(b.data) + n
	for i := 0; i < n; i++ {
		b.data = append(b.data, '0')
	}
	for i := end - 1; i >= end-n; i-- {
		b.data[i] = '0' + byte(v%10)
		v /= 10
	}
}

// pid fills the threadid column of the header. glog pads it to 7 columns.
var pid = func() string {
	s := strconv.Itoa(os.Getpid())
	if len(s) < 7 {
		s = strings.Repeat(" ", 7-len(s)) + s
	}
	return s
}()

// levelChar maps levels to their header letter.
var levelChar = [...]byte{
	Warning: 'W',
	Info:    'I',
	Debug:   'D',
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] [tag] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()

	if int(level) < len(levelChar) {
		b.write(levelChar[level])
	} else {
		b.write('?')
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b.writeDigits(int(month), 2)
	b.writeDigits(day, 2)
	b.write(' ')
	b.writeDigits(hour, 2)
	b.write(':')
	b.writeDigits(minute, 2)
	b.write(':')
	b.writeDigits(second, 2)
	b.write('.')
	b.writeDigits(timestamp.Nanosecond()/1000, 6)
	b.write(' ')
	b.writeString(pid)
	b.write(' ')

	// Only the base name of the calling file is kept.
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		b.writeString(file[strings.LastIndexByte(file, '/')+1:])
		b.write(':')
		b.data = strconv.AppendInt(b.data, int64(line), 10)
	} else {
		b.writeString("x:0")
	}
	b.write(']', ' ')
	if g.Tag != "" {
		b.write('[')
		b.writeString(g.Tag)
		b.write(']', ' ')
	}

	// The format is copied so that args are still applied by the next
	// emitter.
	b.writeString(format)
	b.write('\n')

	g.Emitter.Emit(depth+1, level, timestamp, b.String(), args...)
}
