package conn

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/albertbausili/rapide/internal/h3/codec"
	"github.com/albertbausili/rapide/internal/h3/frame"
)

// Stream ids used throughout: the engine under test is a server unless
// stated otherwise, so peer-initiated ids are client ids.
const (
	clientRequestStream  = 0 // client bidi
	clientControlStream  = 2 // client uni
	clientEncoderStream  = 6
	clientDecoderStream  = 10
	clientExtraUniStream = 14

	serverControlStream = 3 // server uni, as seen by a client engine
	serverPushStream    = 7
)

type writeRecord struct {
	data      []byte
	endStream bool
}

// fakeTransport records everything the engine sends and allocates
// unidirectional stream ids the way a QUIC implementation would.
type fakeTransport struct {
	nextUniID  uint64
	writes     map[uint64][]writeRecord
	closeCount int
	closeCode  uint64
}

func newFakeTransport(isClient bool) *fakeTransport {
	// server-initiated unidirectional ids are 3 mod 4, client ones 2 mod 4
	first := uint64(3)
	if isClient {
		first = 2
	}
	return &fakeTransport{nextUniID: first, writes: make(map[uint64][]writeRecord)}
}

func (t *fakeTransport) SendStreamData(streamID uint64, p []byte, endStream bool) error {
	t.writes[streamID] = append(t.writes[streamID], writeRecord{data: append([]byte{}, p...), endStream: endStream})
	return nil
}

func (t *fakeTransport) OpenUniStream() (uint64, error) {
	id := t.nextUniID
	t.nextUniID += 4
	return id, nil
}

func (t *fakeTransport) Close(code uint64, _ string) error {
	t.closeCount++
	t.closeCode = code
	return nil
}

func (t *fakeTransport) bytesOn(streamID uint64) []byte {
	var buf []byte
	for _, w := range t.writes[streamID] {
		buf = append(buf, w.data...)
	}
	return buf
}

// recordingHandler keeps every emitted event in order.
type recordingHandler struct {
	events []any
}

func (h *recordingHandler) OnHeaders(ev HeadersEvent)         { h.events = append(h.events, ev) }
func (h *recordingHandler) OnData(ev DataEvent)               { h.events = append(h.events, ev) }
func (h *recordingHandler) OnPushPromise(ev PushPromiseEvent) { h.events = append(h.events, ev) }

// fakeCodec is a scriptable codec: field blocks are "name=value" lines, and
// blocking behavior is driven by the test.
type fakeCodec struct {
	blockNext     bool
	pending       map[uint64][]byte
	unblockOnFeed []uint64

	encoderInstr []byte // returned by Encode and ApplySettings
	decoderInstr []byte // returned by FeedHeader/ResumeHeader

	appliedCapacity uint64
	appliedBlocked  uint64
	decoderFeeds    [][]byte
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{pending: make(map[uint64][]byte)}
}

func encodeBlock(headers [][2]string) []byte {
	var sb strings.Builder
	for _, h := range headers {
		sb.WriteString(h[0])
		sb.WriteByte('=')
		sb.WriteString(h[1])
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

func decodeBlock(block []byte) [][2]string {
	var headers [][2]string
	for _, line := range strings.Split(string(block), "\n") {
		if line == "" {
			continue
		}
		name, value, _ := strings.Cut(line, "=")
		headers = append(headers, [2]string{name, value})
	}
	return headers
}

func (f *fakeCodec) Encode(_ uint64, headers [][2]string) ([]byte, []byte, error) {
	return f.encoderInstr, encodeBlock(headers), nil
}

func (f *fakeCodec) FeedHeader(streamID uint64, block []byte) ([]byte, [][2]string, error) {
	if f.blockNext {
		f.blockNext = false
		f.pending[streamID] = append([]byte{}, block...)
		return nil, nil, codec.ErrBlocked
	}
	return f.decoderInstr, decodeBlock(block), nil
}

func (f *fakeCodec) ResumeHeader(streamID uint64) ([]byte, [][2]string, error) {
	block, ok := f.pending[streamID]
	if !ok {
		return nil, nil, errors.New("no pending block")
	}
	delete(f.pending, streamID)
	return f.decoderInstr, decodeBlock(block), nil
}

func (f *fakeCodec) FeedEncoder(_ []byte) ([]uint64, error) {
	ids := f.unblockOnFeed
	f.unblockOnFeed = nil
	return ids, nil
}

func (f *fakeCodec) FeedDecoder(data []byte) error {
	f.decoderFeeds = append(f.decoderFeeds, append([]byte{}, data...))
	return nil
}

func (f *fakeCodec) ApplySettings(capacity, blocked uint64) ([]byte, error) {
	f.appliedCapacity = capacity
	f.appliedBlocked = blocked
	return f.encoderInstr, nil
}

func newTestConn(t *testing.T, isClient bool) (*Connection, *fakeTransport, *fakeCodec, *recordingHandler) {
	t.Helper()
	transport := newFakeTransport(isClient)
	fc := newFakeCodec()
	h := &recordingHandler{}
	c, err := New(transport, fc, h, Config{IsClient: isClient})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, transport, fc, h
}

// deliver feeds peer stream data and fails the test on unexpected fatal
// errors.
func deliver(t *testing.T, c *Connection, streamID uint64, data []byte, end bool) {
	t.Helper()
	if err := c.HandleStreamData(streamID, data, end); err != nil {
		t.Fatalf("HandleStreamData(%d) failed: %v", streamID, err)
	}
}

func headersFrame(headers [][2]string) []byte {
	return frame.AppendFrame(nil, frame.TypeHeaders, encodeBlock(headers))
}

func dataFrame(p []byte) []byte {
	buf := frame.AppendHeader(nil, frame.TypeData, uint64(len(p)))
	return append(buf, p...)
}

// controlStream builds the client's control stream prefix: stream type and
// a SETTINGS frame.
func controlStreamBytes(settings map[uint64]uint64) []byte {
	b := quicvarint.Append(nil, uint64(frame.StreamTypeControl))
	return frame.AppendSettings(b, settings)
}

var requestHeaders = [][2]string{
	{":method", "GET"},
	{":scheme", "https"},
	{":path", "/"},
}

func expectClose(t *testing.T, c *Connection, transport *fakeTransport, err error, code ErrorCode) {
	t.Helper()
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ProtocolError, got %v", err)
	}
	if pe.Code != code {
		t.Errorf("Expected error code %s, got %s", code, pe.Code)
	}
	if !c.Done() {
		t.Error("Expected connection to be done after fatal error")
	}
	if transport.closeCount != 1 {
		t.Errorf("Expected exactly one transport close, got %d", transport.closeCount)
	}
	if transport.closeCode != uint64(code) {
		t.Errorf("Expected close code 0x%x, got 0x%x", uint64(code), transport.closeCode)
	}
}

func TestBootstrap(t *testing.T) {
	_, transport, _, _ := newTestConn(t, false)

	// three local unidirectional streams: control, encoder, decoder
	for _, tt := range []struct {
		streamID   uint64
		streamType frame.StreamType
	}{
		{3, frame.StreamTypeControl},
		{7, frame.StreamTypeQPACKEncoder},
		{11, frame.StreamTypeQPACKDecoder},
	} {
		buf := transport.bytesOn(tt.streamID)
		cur := frame.NewCursor(buf)
		st, err := cur.ReadVarint()
		if err != nil {
			t.Fatalf("Stream %d: missing type prefix: %v", tt.streamID, err)
		}
		if frame.StreamType(st) != tt.streamType {
			t.Errorf("Stream %d: expected type %v, got %v", tt.streamID, tt.streamType, frame.StreamType(st))
		}
	}

	// SETTINGS must be the first frame on the control stream
	buf := transport.bytesOn(3)
	cur := frame.NewCursor(buf)
	_, _ = cur.ReadVarint()
	h, n, err := frame.ParseHeader(buf[cur.Pos():])
	if err != nil {
		t.Fatalf("ParseHeader on control stream failed: %v", err)
	}
	if h.Type != frame.TypeSettings {
		t.Fatalf("Expected SETTINGS first on control stream, got %v", h.Type)
	}
	settings, err := frame.ParseSettings(buf[cur.Pos()+n:])
	if err != nil {
		t.Fatalf("ParseSettings failed: %v", err)
	}
	if _, ok := settings[frame.SettingQPACKMaxTableCapacity]; !ok {
		t.Error("Expected QPACK_MAX_TABLE_CAPACITY in local SETTINGS")
	}
	if _, ok := settings[frame.SettingQPACKBlockedStreams]; !ok {
		t.Error("Expected QPACK_BLOCKED_STREAMS in local SETTINGS")
	}
}

func TestHeadersThenData(t *testing.T) {
	c, _, _, h := newTestConn(t, false)

	buf := headersFrame(requestHeaders)
	buf = append(buf, dataFrame([]byte("hello"))...)
	deliver(t, c, clientRequestStream, buf, true)

	if len(h.events) != 2 {
		t.Fatalf("Expected 2 events, got %d: %v", len(h.events), h.events)
	}
	he, ok := h.events[0].(HeadersEvent)
	if !ok {
		t.Fatalf("Expected HeadersEvent first, got %T", h.events[0])
	}
	if he.StreamID != clientRequestStream {
		t.Errorf("Expected stream 0, got %d", he.StreamID)
	}
	if !reflect.DeepEqual(he.Headers, requestHeaders) {
		t.Errorf("Expected headers %v, got %v", requestHeaders, he.Headers)
	}
	if he.StreamEnded {
		t.Error("Expected headers event with StreamEnded=false")
	}
	if he.PushID != nil {
		t.Error("Expected no push id on a request stream")
	}
	de, ok := h.events[1].(DataEvent)
	if !ok {
		t.Fatalf("Expected DataEvent second, got %T", h.events[1])
	}
	if string(de.Data) != "hello" {
		t.Errorf("Expected data %q, got %q", "hello", de.Data)
	}
	if !de.StreamEnded {
		t.Error("Expected data event with StreamEnded=true")
	}
}

// summarize merges consecutive DATA events so chunking differences don't
// affect comparison.
func summarize(events []any) []any {
	var out []any
	for _, ev := range events {
		d, ok := ev.(DataEvent)
		if ok && len(out) > 0 {
			if prev, ok := out[len(out)-1].(DataEvent); ok && prev.StreamID == d.StreamID {
				prev.Data = append(append([]byte{}, prev.Data...), d.Data...)
				prev.StreamEnded = d.StreamEnded
				out[len(out)-1] = prev
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestFragmentationIndependence(t *testing.T) {
	var wire []byte
	wire = append(wire, headersFrame(requestHeaders)...)
	wire = append(wire, dataFrame([]byte("hello world"))...)
	wire = append(wire, dataFrame([]byte("!"))...)

	// reference: one delivery
	c, _, _, h := newTestConn(t, false)
	deliver(t, c, clientRequestStream, wire, true)
	want := summarize(h.events)

	// split at every byte boundary into two deliveries
	for split := 0; split <= len(wire); split++ {
		c, _, _, h := newTestConn(t, false)
		deliver(t, c, clientRequestStream, wire[:split], false)
		deliver(t, c, clientRequestStream, wire[split:], true)
		if got := summarize(h.events); !reflect.DeepEqual(got, want) {
			t.Fatalf("Split at %d: expected events %v, got %v", split, want, got)
		}
	}

	// byte-at-a-time
	c, _, _, h = newTestConn(t, false)
	for i := 0; i < len(wire); i++ {
		deliver(t, c, clientRequestStream, wire[i:i+1], i == len(wire)-1)
	}
	if got := summarize(h.events); !reflect.DeepEqual(got, want) {
		t.Fatalf("Byte-at-a-time: expected events %v, got %v", want, got)
	}
}

func TestPartialDataEvents(t *testing.T) {
	c, _, _, h := newTestConn(t, false)

	deliver(t, c, clientRequestStream, headersFrame(requestHeaders), false)
	body := []byte("abcdefghij")
	wire := dataFrame(body)

	// deliver the DATA frame in three pieces; partial bodies must be
	// surfaced without waiting for the whole frame
	deliver(t, c, clientRequestStream, wire[:4], false)
	deliver(t, c, clientRequestStream, wire[4:9], false)
	deliver(t, c, clientRequestStream, wire[9:], true)

	var got []byte
	endedCount := 0
	for _, ev := range h.events[1:] {
		de, ok := ev.(DataEvent)
		if !ok {
			t.Fatalf("Expected DataEvent, got %T", ev)
		}
		got = append(got, de.Data...)
		if de.StreamEnded {
			endedCount++
		}
	}
	if !bytes.Equal(got, body) {
		t.Errorf("Expected reassembled body %q, got %q", body, got)
	}
	if endedCount != 1 {
		t.Errorf("Expected exactly one StreamEnded event, got %d", endedCount)
	}
}

func TestLoneFin(t *testing.T) {
	t.Run("fin after headers delivery", func(t *testing.T) {
		c, _, _, h := newTestConn(t, false)
		deliver(t, c, clientRequestStream, headersFrame(requestHeaders), false)
		deliver(t, c, clientRequestStream, nil, true)

		if len(h.events) != 2 {
			t.Fatalf("Expected 2 events, got %d", len(h.events))
		}
		if he := h.events[0].(HeadersEvent); he.StreamEnded {
			t.Error("Expected headers event with StreamEnded=false")
		}
		de, ok := h.events[1].(DataEvent)
		if !ok {
			t.Fatalf("Expected terminal DataEvent, got %T", h.events[1])
		}
		if len(de.Data) != 0 || !de.StreamEnded {
			t.Errorf("Expected empty terminal data event, got %d bytes ended=%v", len(de.Data), de.StreamEnded)
		}
	})

	t.Run("fin with headers delivery", func(t *testing.T) {
		c, _, _, h := newTestConn(t, false)
		deliver(t, c, clientRequestStream, headersFrame(requestHeaders), true)

		if len(h.events) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(h.events))
		}
		if he := h.events[0].(HeadersEvent); !he.StreamEnded {
			t.Error("Expected headers event with StreamEnded=true")
		}
	})
}

func TestDataBeforeHeaders(t *testing.T) {
	c, transport, _, h := newTestConn(t, false)

	err := c.HandleStreamData(clientRequestStream, dataFrame([]byte("x")), false)
	expectClose(t, c, transport, err, ErrCodeFrameUnexpected)
	if len(h.events) != 0 {
		t.Errorf("Expected no events, got %d", len(h.events))
	}
}

func TestTrailers(t *testing.T) {
	c, transport, _, h := newTestConn(t, false)

	trailers := [][2]string{{"x-checksum", "abc"}}
	deliver(t, c, clientRequestStream, headersFrame(requestHeaders), false)
	deliver(t, c, clientRequestStream, dataFrame([]byte("body")), false)
	deliver(t, c, clientRequestStream, headersFrame(trailers), false)

	if len(h.events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(h.events))
	}
	te, ok := h.events[2].(HeadersEvent)
	if !ok {
		t.Fatalf("Expected trailing HeadersEvent, got %T", h.events[2])
	}
	if !reflect.DeepEqual(te.Headers, trailers) {
		t.Errorf("Expected trailers %v, got %v", trailers, te.Headers)
	}

	// a third HEADERS frame is a protocol violation
	err := c.HandleStreamData(clientRequestStream, headersFrame(trailers), false)
	expectClose(t, c, transport, err, ErrCodeFrameUnexpected)
}

func TestControlStream(t *testing.T) {
	t.Run("settings applied to codec", func(t *testing.T) {
		c, transport, fc, _ := newTestConn(t, false)
		fc.encoderInstr = []byte{0xaa, 0xbb}

		deliver(t, c, clientControlStream, controlStreamBytes(map[uint64]uint64{
			frame.SettingQPACKMaxTableCapacity: 4096,
			frame.SettingQPACKBlockedStreams:   16,
		}), false)

		if fc.appliedCapacity != 4096 || fc.appliedBlocked != 16 {
			t.Errorf("Expected applied settings (4096, 16), got (%d, %d)", fc.appliedCapacity, fc.appliedBlocked)
		}
		// resulting encoder instructions flushed on the local encoder stream
		writes := transport.writes[7]
		last := writes[len(writes)-1]
		if !bytes.Equal(last.data, []byte{0xaa, 0xbb}) {
			t.Errorf("Expected encoder instructions flushed, got %x", last.data)
		}
	})

	t.Run("first frame must be SETTINGS", func(t *testing.T) {
		c, transport, _, _ := newTestConn(t, false)
		b := quicvarint.Append(nil, uint64(frame.StreamTypeControl))
		b = frame.AppendMaxPushID(b, 8)
		err := c.HandleStreamData(clientControlStream, b, false)
		expectClose(t, c, transport, err, ErrCodeMissingSettings)
	})

	t.Run("second SETTINGS frame", func(t *testing.T) {
		c, transport, _, _ := newTestConn(t, false)
		deliver(t, c, clientControlStream, controlStreamBytes(nil), false)
		err := c.HandleStreamData(clientControlStream, frame.AppendSettings(nil, nil), false)
		expectClose(t, c, transport, err, ErrCodeFrameUnexpected)
	})

	t.Run("DATA frame on control stream", func(t *testing.T) {
		c, transport, _, _ := newTestConn(t, false)
		deliver(t, c, clientControlStream, controlStreamBytes(nil), false)
		err := c.HandleStreamData(clientControlStream, dataFrame([]byte("x")), false)
		expectClose(t, c, transport, err, ErrCodeFrameUnexpected)
	})

	t.Run("duplicate control stream", func(t *testing.T) {
		c, transport, _, _ := newTestConn(t, false)
		deliver(t, c, clientControlStream, controlStreamBytes(nil), false)
		err := c.HandleStreamData(clientExtraUniStream,
			quicvarint.Append(nil, uint64(frame.StreamTypeControl)), false)
		expectClose(t, c, transport, err, ErrCodeStreamCreationError)
	})

	t.Run("GOAWAY tolerated", func(t *testing.T) {
		c, _, _, h := newTestConn(t, false)
		deliver(t, c, clientControlStream, controlStreamBytes(nil), false)
		deliver(t, c, clientControlStream, frame.AppendGoAway(nil, 0), false)
		if len(h.events) != 0 {
			t.Errorf("Expected no events from GOAWAY, got %d", len(h.events))
		}
	})
}

func TestDuplicateEncoderStream(t *testing.T) {
	c, transport, _, _ := newTestConn(t, false)

	deliver(t, c, clientEncoderStream,
		quicvarint.Append(nil, uint64(frame.StreamTypeQPACKEncoder)), false)
	err := c.HandleStreamData(clientExtraUniStream,
		quicvarint.Append(nil, uint64(frame.StreamTypeQPACKEncoder)), false)
	expectClose(t, c, transport, err, ErrCodeStreamCreationError)
}

func TestUnknownUniStreamDiscarded(t *testing.T) {
	c, _, _, h := newTestConn(t, false)

	b := quicvarint.Append(nil, 0x42)
	b = append(b, []byte("anything at all")...)
	deliver(t, c, clientExtraUniStream, b, false)
	deliver(t, c, clientExtraUniStream, []byte("more garbage"), true)

	if len(h.events) != 0 {
		t.Errorf("Expected no events from an unknown stream type, got %d", len(h.events))
	}
	if !c.streams[clientExtraUniStream].discard {
		t.Error("Expected stream to be marked discarded")
	}
}

func TestUnknownFrameSkipped(t *testing.T) {
	c, _, _, h := newTestConn(t, false)

	buf := frame.AppendFrame(nil, frame.Type(0x21), []byte("greased"))
	buf = append(buf, headersFrame(requestHeaders)...)
	deliver(t, c, clientRequestStream, buf, true)

	if len(h.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(h.events))
	}
	if he := h.events[0].(HeadersEvent); !he.StreamEnded {
		t.Error("Expected headers event with StreamEnded=true")
	}
}

func TestPushPromiseLifecycle(t *testing.T) {
	c, transport, _, _ := newTestConn(t, false)

	// client advertises a push ceiling of 2
	deliver(t, c, clientControlStream, controlStreamBytes(nil), false)
	deliver(t, c, clientControlStream, frame.AppendMaxPushID(nil, 2), false)

	// exercise the send-side state machine on the request stream first
	deliver(t, c, clientRequestStream, headersFrame(requestHeaders), true)

	promise := [][2]string{{":method", "GET"}, {":path", "/style.css"}}
	first, err := c.SendPushPromise(clientRequestStream, promise)
	if err != nil {
		t.Fatalf("First SendPushPromise failed: %v", err)
	}
	second, err := c.SendPushPromise(clientRequestStream, promise)
	if err != nil {
		t.Fatalf("Second SendPushPromise failed: %v", err)
	}
	if first == second {
		t.Errorf("Expected distinct push stream ids, got %d twice", first)
	}

	// third attempt exceeds the ceiling and must not consume an id
	if _, err := c.SendPushPromise(clientRequestStream, promise); !errors.Is(err, ErrNoAvailablePushID) {
		t.Fatalf("Expected ErrNoAvailablePushID, got %v", err)
	}
	if c.nextPushID != 2 {
		t.Errorf("Expected nextPushID to stay at 2, got %d", c.nextPushID)
	}

	// each push stream announces its type and push id
	for i, id := range []uint64{first, second} {
		buf := transport.bytesOn(id)
		cur := frame.NewCursor(buf)
		st, err := cur.ReadVarint()
		if err != nil || frame.StreamType(st) != frame.StreamTypePush {
			t.Fatalf("Push stream %d: expected push type prefix, got %d (%v)", id, st, err)
		}
		pushID, err := cur.ReadVarint()
		if err != nil || pushID != uint64(i) {
			t.Errorf("Push stream %d: expected push id %d, got %d (%v)", id, i, pushID, err)
		}
	}

	// response headers can now be sent on the push stream
	if err := c.SendHeaders(first, [][2]string{{":status", "200"}}, false); err != nil {
		t.Fatalf("SendHeaders on push stream failed: %v", err)
	}
	if err := c.SendData(first, []byte("body"), true); err != nil {
		t.Fatalf("SendData on push stream failed: %v", err)
	}
}

func TestSendPushPromiseWithoutCeiling(t *testing.T) {
	c, _, _, _ := newTestConn(t, false)
	if _, err := c.SendPushPromise(clientRequestStream, requestHeaders); !errors.Is(err, ErrNoAvailablePushID) {
		t.Errorf("Expected ErrNoAvailablePushID before MAX_PUSH_ID, got %v", err)
	}
}

func TestPushPromiseReceivedByServer(t *testing.T) {
	c, transport, _, _ := newTestConn(t, false)

	body := quicvarint.Append(nil, 0)
	body = append(body, encodeBlock(requestHeaders)...)
	err := c.HandleStreamData(clientRequestStream,
		frame.AppendFrame(nil, frame.TypePushPromise, body), false)
	expectClose(t, c, transport, err, ErrCodeFrameUnexpected)
}

func TestClientReceivesPush(t *testing.T) {
	c, _, _, h := newTestConn(t, true)

	// PUSH_PROMISE on the client's own request stream
	promise := [][2]string{{":method", "GET"}, {":path", "/app.js"}}
	body := quicvarint.Append(nil, 3)
	body = append(body, encodeBlock(promise)...)
	deliver(t, c, clientRequestStream, frame.AppendFrame(nil, frame.TypePushPromise, body), false)

	if len(h.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(h.events))
	}
	pe, ok := h.events[0].(PushPromiseEvent)
	if !ok {
		t.Fatalf("Expected PushPromiseEvent, got %T", h.events[0])
	}
	if pe.PushID != 3 {
		t.Errorf("Expected push id 3, got %d", pe.PushID)
	}
	if !reflect.DeepEqual(pe.Headers, promise) {
		t.Errorf("Expected headers %v, got %v", promise, pe.Headers)
	}

	// the promised response arrives on a server push stream
	b := quicvarint.Append(nil, uint64(frame.StreamTypePush))
	b = quicvarint.Append(b, 3)
	b = append(b, headersFrame([][2]string{{":status", "200"}})...)
	b = append(b, dataFrame([]byte("js"))...)
	deliver(t, c, serverPushStream, b, true)

	if len(h.events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(h.events))
	}
	he := h.events[1].(HeadersEvent)
	if he.PushID == nil || *he.PushID != 3 {
		t.Errorf("Expected push id 3 on headers event, got %v", he.PushID)
	}
	de := h.events[2].(DataEvent)
	if de.PushID == nil || *de.PushID != 3 {
		t.Errorf("Expected push id 3 on data event, got %v", de.PushID)
	}
	if string(de.Data) != "js" || !de.StreamEnded {
		t.Errorf("Expected final data %q ended, got %q ended=%v", "js", de.Data, de.StreamEnded)
	}
}

func TestPushStreamReceivedByServer(t *testing.T) {
	c, transport, _, _ := newTestConn(t, false)
	err := c.HandleStreamData(clientExtraUniStream,
		quicvarint.Append(nil, uint64(frame.StreamTypePush)), false)
	expectClose(t, c, transport, err, ErrCodeStreamCreationError)
}

func TestMaxPushIDReceivedByClient(t *testing.T) {
	c, transport, _, _ := newTestConn(t, true)

	b := quicvarint.Append(nil, uint64(frame.StreamTypeControl))
	b = frame.AppendSettings(b, nil)
	deliver(t, c, serverControlStream, b, false)

	err := c.HandleStreamData(serverControlStream, frame.AppendMaxPushID(nil, 4), false)
	expectClose(t, c, transport, err, ErrCodeFrameUnexpected)
}

func TestBlockedStream(t *testing.T) {
	c, transport, fc, h := newTestConn(t, false)
	fc.decoderInstr = []byte{0x99}

	// the codec reports the field block as blocked on missing table state
	fc.blockNext = true
	wire := headersFrame(requestHeaders)
	wire = append(wire, dataFrame([]byte("body"))...)
	deliver(t, c, clientRequestStream, wire, true)

	if len(h.events) != 0 {
		t.Fatalf("Expected no events while blocked, got %d", len(h.events))
	}
	s := c.streams[clientRequestStream]
	if !s.blocked {
		t.Fatal("Expected stream to be marked blocked")
	}
	if s.blockedFrameSize != uint64(len(encodeBlock(requestHeaders))) {
		t.Errorf("Expected blocked frame size %d, got %d", len(encodeBlock(requestHeaders)), s.blockedFrameSize)
	}

	// encoder-stream bytes arrive and unblock the stream
	fc.unblockOnFeed = []uint64{clientRequestStream}
	b := quicvarint.Append(nil, uint64(frame.StreamTypeQPACKEncoder))
	b = append(b, 0x01)
	deliver(t, c, clientEncoderStream, b, false)

	if len(h.events) != 2 {
		t.Fatalf("Expected 2 events after unblocking, got %d", len(h.events))
	}
	he := h.events[0].(HeadersEvent)
	if !reflect.DeepEqual(he.Headers, requestHeaders) {
		t.Errorf("Expected headers %v, got %v", requestHeaders, he.Headers)
	}
	if he.StreamEnded {
		t.Error("Expected StreamEnded=false: buffered DATA follows")
	}
	de := h.events[1].(DataEvent)
	if string(de.Data) != "body" || !de.StreamEnded {
		t.Errorf("Expected buffered DATA dispatched after resume, got %q ended=%v", de.Data, de.StreamEnded)
	}
	if s.blocked {
		t.Error("Expected stream to be unblocked")
	}

	// decoder instructions from the resumed decode are flushed
	writes := transport.writes[11]
	if len(writes) == 0 || !bytes.Equal(writes[len(writes)-1].data, []byte{0x99}) {
		t.Error("Expected decoder instructions flushed on the local decoder stream")
	}
}

func TestDecoderStreamFed(t *testing.T) {
	c, _, fc, _ := newTestConn(t, false)

	b := quicvarint.Append(nil, uint64(frame.StreamTypeQPACKDecoder))
	b = append(b, 0xde, 0xad)
	deliver(t, c, clientDecoderStream, b, false)

	if len(fc.decoderFeeds) != 1 || !bytes.Equal(fc.decoderFeeds[0], []byte{0xde, 0xad}) {
		t.Errorf("Expected decoder stream bytes fed to codec, got %v", fc.decoderFeeds)
	}
}

func TestEventsIgnoredAfterFatalError(t *testing.T) {
	c, transport, _, h := newTestConn(t, false)

	err := c.HandleStreamData(clientRequestStream, dataFrame([]byte("x")), false)
	expectClose(t, c, transport, err, ErrCodeFrameUnexpected)

	// further inbound events are discarded without another close
	if err := c.HandleStreamData(4, headersFrame(requestHeaders), true); err != nil {
		t.Errorf("Expected nil after done, got %v", err)
	}
	if len(h.events) != 0 {
		t.Errorf("Expected no events after fatal error, got %d", len(h.events))
	}
	if transport.closeCount != 1 {
		t.Errorf("Expected exactly one close, got %d", transport.closeCount)
	}

	if err := c.SendHeaders(4, requestHeaders, false); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestStreamReset(t *testing.T) {
	c, _, _, h := newTestConn(t, false)

	deliver(t, c, clientRequestStream, headersFrame(requestHeaders), false)
	// partial DATA frame: header says 100 bytes, only 3 arrive
	partial := frame.AppendHeader(nil, frame.TypeData, 100)
	partial = append(partial, []byte("abc")...)
	deliver(t, c, clientRequestStream, partial, false)

	before := len(h.events)
	c.HandleStreamReset(clientRequestStream)

	s := c.streams[clientRequestStream]
	if s.hasFrame || len(s.buf) != 0 {
		t.Error("Expected partial frame state dropped after reset")
	}
	if len(h.events) != before {
		t.Error("Expected no retraction or new events on reset")
	}
}

func TestSendStateMachine(t *testing.T) {
	c, transport, _, _ := newTestConn(t, false)

	if err := c.SendData(clientRequestStream, []byte("x"), false); err == nil {
		t.Error("Expected error sending DATA before HEADERS")
	}

	if err := c.SendHeaders(clientRequestStream, [][2]string{{":status", "200"}}, false); err != nil {
		t.Fatalf("SendHeaders failed: %v", err)
	}
	if err := c.SendData(clientRequestStream, []byte("payload"), false); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	if err := c.SendHeaders(clientRequestStream, [][2]string{{"x-trailer", "v"}}, true); err != nil {
		t.Fatalf("SendHeaders (trailers) failed: %v", err)
	}
	if err := c.SendHeaders(clientRequestStream, nil, true); err == nil {
		t.Error("Expected error on third HEADERS")
	}

	// local send errors never close the connection
	if c.Done() || transport.closeCount != 0 {
		t.Error("Expected send-side errors to stay local")
	}

	// verify the wire: HEADERS, DATA, HEADERS, with endStream on the last
	writes := transport.writes[clientRequestStream]
	if len(writes) != 3 {
		t.Fatalf("Expected 3 writes, got %d", len(writes))
	}
	for i, wantType := range []frame.Type{frame.TypeHeaders, frame.TypeData, frame.TypeHeaders} {
		fh, _, err := frame.ParseHeader(writes[i].data)
		if err != nil {
			t.Fatalf("Write %d: bad frame header: %v", i, err)
		}
		if fh.Type != wantType {
			t.Errorf("Write %d: expected %v, got %v", i, wantType, fh.Type)
		}
	}
	if writes[0].endStream || writes[1].endStream || !writes[2].endStream {
		t.Error("Expected endStream only on the final write")
	}
}

func TestSendMaxPushIDRoles(t *testing.T) {
	server, _, _, _ := newTestConn(t, false)
	if err := server.SendMaxPushID(8); err == nil {
		t.Error("Expected error: servers cannot send MAX_PUSH_ID")
	}

	client, transport, _, _ := newTestConn(t, true)
	if err := client.SendMaxPushID(8); err != nil {
		t.Fatalf("SendMaxPushID failed: %v", err)
	}
	// frame lands on the local control stream after the SETTINGS
	buf := transport.bytesOn(2)
	cur := frame.NewCursor(buf)
	_, _ = cur.ReadVarint() // stream type
	fh, n, err := frame.ParseHeader(buf[cur.Pos():])
	if err != nil || fh.Type != frame.TypeSettings {
		t.Fatalf("Expected SETTINGS first, got %v (%v)", fh.Type, err)
	}
	rest := buf[cur.Pos()+n+int(fh.Length):]
	fh2, _, err := frame.ParseHeader(rest)
	if err != nil || fh2.Type != frame.TypeMaxPushID {
		t.Errorf("Expected MAX_PUSH_ID after SETTINGS, got %v (%v)", fh2.Type, err)
	}
}

func TestStreamEndedMidFrame(t *testing.T) {
	c, transport, _, _ := newTestConn(t, false)

	// HEADERS frame header promises 50 bytes, stream ends after 3
	buf := frame.AppendHeader(nil, frame.TypeHeaders, 50)
	buf = append(buf, []byte("abc")...)
	err := c.HandleStreamData(clientRequestStream, buf, true)
	expectClose(t, c, transport, err, ErrCodeFrameError)
}
