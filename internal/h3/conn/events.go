package conn

// HeadersEvent is emitted after a HEADERS frame decodes successfully.
type HeadersEvent struct {
	StreamID uint64
	// PushID is set when the headers arrived on a push stream.
	PushID *uint64
	Headers [][2]string
	// StreamEnded reports that no more events follow on this stream.
	StreamEnded bool
}

// DataEvent is emitted for each chunk of a DATA frame body. Large frames
// produce multiple events; a terminal event carries StreamEnded.
type DataEvent struct {
	StreamID    uint64
	PushID      *uint64
	Data        []byte
	StreamEnded bool
}

// PushPromiseEvent is emitted after a PUSH_PROMISE frame decodes
// successfully on a request stream.
type PushPromiseEvent struct {
	StreamID uint64
	PushID   uint64
	Headers  [][2]string
}

// Handler receives the application-visible events of one connection. Calls
// happen synchronously inside the engine dispatch; handlers must not call
// back into the engine's inbound entry points.
type Handler interface {
	OnHeaders(HeadersEvent)
	OnData(DataEvent)
	OnPushPromise(PushPromiseEvent)
}

// nopHandler discards all events.
type nopHandler struct{}

func (nopHandler) OnHeaders(HeadersEvent)         {}
func (nopHandler) OnData(DataEvent)               {}
func (nopHandler) OnPushPromise(PushPromiseEvent) {}
