// Package router turns raw agent output chunks into discrete transcript lines.
package router

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/szaher/phoneagent/internal/process"
)

// DefaultMaxLineBytes bounds a partial line. Output that runs longer without
// a newline is cut into units of at most this size.
const DefaultMaxLineBytes = 64 << 10

// Option configures a Router.
type Option func(*Router)

// WithVerdictHook registers a callback invoked for every completed line,
// surfaced or dropped.
func WithVerdictHook(fn func(Line, Verdict)) Option {
	return func(r *Router) { r.onVerdict = fn }
}

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxLine = n
		}
	}
}

// Router reassembles line units per session and stream and filters them
// through a Classifier. It is not safe for concurrent use.
type Router struct {
	classifier Classifier
	onVerdict  func(Line, Verdict)
	maxLine    int
	buffers    map[string]map[process.Stream]*bytes.Buffer
}

// New creates a router. A nil classifier uses the default prompt prefix.
func New(classifier Classifier, opts ...Option) *Router {
	if classifier == nil {
		classifier = NewPrefixClassifier()
	}
	r := &Router{
		classifier: classifier,
		maxLine:    DefaultMaxLineBytes,
		buffers:    make(map[string]map[process.Stream]*bytes.Buffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Feed buffers chunk for sessionID and returns the lines it completed that
// should be surfaced, in stream order.
func (r *Router) Feed(sessionID, deviceID string, chunk process.Chunk) []Line {
	buf := r.buffer(sessionID, chunk.Stream)
	buf.Write(chunk.Data)

	var out []Line
	for {
		idx := bytes.IndexByte(buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		raw := string(buf.Next(idx + 1))
		if line, ok := r.classify(deviceID, chunk.Stream, raw); ok {
			out = append(out, line)
		}
	}
	for buf.Len() >= r.maxLine {
		raw := string(buf.Next(cutPoint(buf.Bytes(), r.maxLine)))
		if line, ok := r.classify(deviceID, chunk.Stream, raw); ok {
			out = append(out, line)
		}
	}
	return out
}

// cutPoint returns n moved back to a rune boundary in b.
func cutPoint(b []byte, n int) int {
	if n >= len(b) {
		return n
	}
	for i := n; i > 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			return i
		}
	}
	return n
}

// Flush emits any trailing partial lines for sessionID and forgets its
// buffers. Call it once the session's output has ended.
func (r *Router) Flush(sessionID, deviceID string) []Line {
	streams, ok := r.buffers[sessionID]
	if !ok {
		return nil
	}
	delete(r.buffers, sessionID)

	var out []Line
	for _, stream := range []process.Stream{process.StreamStdout, process.StreamStderr} {
		buf, ok := streams[stream]
		if !ok || buf.Len() == 0 {
			continue
		}
		if line, ok := r.classify(deviceID, stream, buf.String()); ok {
			out = append(out, line)
		}
	}
	return out
}

func (r *Router) buffer(sessionID string, stream process.Stream) *bytes.Buffer {
	streams, ok := r.buffers[sessionID]
	if !ok {
		streams = make(map[process.Stream]*bytes.Buffer, 2)
		r.buffers[sessionID] = streams
	}
	buf, ok := streams[stream]
	if !ok {
		buf = &bytes.Buffer{}
		streams[stream] = buf
	}
	return buf
}

func (r *Router) classify(deviceID string, stream process.Stream, raw string) (Line, bool) {
	line := Line{DeviceID: deviceID, Stream: stream, Text: strings.TrimSpace(raw)}

	verdict := DropEmpty
	if line.Text != "" {
		verdict = r.classifier.Classify(line)
	}
	if r.onVerdict != nil {
		r.onVerdict(line, verdict)
	}
	return line, verdict == Surface
}
