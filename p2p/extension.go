package p2p

import (
	"io"
	"sync"
	"time"

	"github.com/MixinNetwork/peernet/config"
)

type TimerToken uint64

// Extension is a sub-protocol multiplexed over established connections.
// All callbacks of one extension run on a single goroutine, in order.
type Extension interface {
	Name() string
	Versions() []uint64
	NeedEncryption() bool

	OnInitialize(api Api)
	OnNodeAdded(node NodeId, version uint64)
	OnNodeRemoved(node NodeId)
	OnMessage(node NodeId, data []byte)
	OnTimeout(token TimerToken)
}

// Api is the narrow handle an extension gets from the manager.
type Api interface {
	Send(node NodeId, data []byte) error
	SetTimer(token TimerToken, interval time.Duration) error
	PeerAddress(node NodeId) (PeerAddress, bool)
}

type Descriptor struct {
	Name            string
	Versions        []uint64
	NeedsEncryption bool
}

func DescriptorOf(ext Extension) Descriptor {
	versions := append([]uint64{}, ext.Versions()...)
	return Descriptor{
		Name:            ext.Name(),
		Versions:        versions,
		NeedsEncryption: ext.NeedEncryption(),
	}
}

type extensionApi struct {
	manager *Manager
	name    string
}

func (a *extensionApi) Send(node NodeId, data []byte) error {
	return a.manager.send(a.name, node, data)
}

func (a *extensionApi) SetTimer(token TimerToken, interval time.Duration) error {
	return a.manager.timers.set(a.name, token, interval)
}

func (a *extensionApi) PeerAddress(node NodeId) (PeerAddress, bool) {
	c := a.manager.table.GetByNode(node)
	if c == nil {
		return PeerAddress{}, false
	}
	return c.Listen(), true
}

type eventKind int

const (
	eventInitialize eventKind = iota
	eventNodeAdded
	eventNodeRemoved
	eventMessage
	eventTimeout
)

type extensionEvent struct {
	kind    eventKind
	node    NodeId
	version uint64
	data    []byte
	token   TimerToken
}

// extensionWorker serializes every callback of one extension through a
// FIFO queue, so network events and timer firings never run concurrently.
type extensionWorker struct {
	ext        Extension
	descriptor Descriptor
	api        Api
	events     chan extensionEvent
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func newExtensionWorker(ext Extension, d Descriptor, api Api) *extensionWorker {
	return &extensionWorker{
		ext:        ext,
		descriptor: d,
		api:        api,
		events:     make(chan extensionEvent, config.EventQueueSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (w *extensionWorker) post(ev extensionEvent) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.quit:
		return false
	}
}

func (w *extensionWorker) run() {
	defer close(w.done)

	for {
		select {
		case ev := <-w.events:
			w.dispatch(ev)
		case <-w.quit:
			for {
				select {
				case ev := <-w.events:
					w.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *extensionWorker) dispatch(ev extensionEvent) {
	switch ev.kind {
	case eventInitialize:
		w.ext.OnInitialize(w.api)
	case eventNodeAdded:
		w.ext.OnNodeAdded(ev.node, ev.version)
	case eventNodeRemoved:
		w.ext.OnNodeRemoved(ev.node)
	case eventMessage:
		w.ext.OnMessage(ev.node, ev.data)
	case eventTimeout:
		w.ext.OnTimeout(ev.token)
	default:
		panic(ev.kind)
	}
}

// stop drains the queued events and closes the extension if it holds
// resources of its own.
func (w *extensionWorker) stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.quit)
		<-w.done
		if c, ok := w.ext.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
