package p2p

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrNegotiationTimeout = errors.New("p2p: negotiation timeout")

type NegotiatedExtension struct {
	Slot    uint64 `json:"slot"`
	Name    string `json:"name"`
	Version uint64 `json:"version"`
}

// NegotiatedTable maps the slot ids of one connection to the agreed
// extensions. Slots index the agreed names in lexicographic order so both
// ends assign the same ids.
type NegotiatedTable struct {
	extensions []NegotiatedExtension
	names      map[string]int
}

func newNegotiatedTable(agreed map[string]uint64) *NegotiatedTable {
	names := make([]string, 0, len(agreed))
	for name := range agreed {
		names = append(names, name)
	}
	slices.Sort(names)
	t := &NegotiatedTable{names: make(map[string]int, len(names))}
	for i, name := range names {
		t.extensions = append(t.extensions, NegotiatedExtension{
			Slot:    uint64(i),
			Name:    name,
			Version: agreed[name],
		})
		t.names[name] = i
	}
	return t
}

func (t *NegotiatedTable) Lookup(slot uint64) (NegotiatedExtension, bool) {
	if t == nil || slot >= uint64(len(t.extensions)) {
		return NegotiatedExtension{}, false
	}
	return t.extensions[slot], true
}

func (t *NegotiatedTable) Find(name string) (NegotiatedExtension, bool) {
	if t == nil {
		return NegotiatedExtension{}, false
	}
	i, found := t.names[name]
	if !found {
		return NegotiatedExtension{}, false
	}
	return t.extensions[i], true
}

func (t *NegotiatedTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.extensions)
}

func (t *NegotiatedTable) Extensions() []NegotiatedExtension {
	if t == nil {
		return nil
	}
	return slices.Clone(t.extensions)
}

// selectVersion returns the highest version present in both sets.
func selectVersion(mine, theirs []uint64) (uint64, bool) {
	var best uint64
	var found bool
	for _, v := range mine {
		if !slices.Contains(theirs, v) {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}

// Decide answers every offer of the peer against the local descriptors.
func Decide(descriptors []Descriptor, offers []ExtensionOffer, encrypted bool) ([]Decision, error) {
	decisions := make([]Decision, 0, len(offers))
	seen := make(map[string]bool, len(offers))
	for _, o := range offers {
		if seen[o.Name] {
			return nil, fmt.Errorf("%w: duplicate offer %s", ErrMalformedEncoding, o.Name)
		}
		seen[o.Name] = true
		d := Decision{Name: o.Name}
		i := slices.IndexFunc(descriptors, func(d Descriptor) bool {
			return d.Name == o.Name
		})
		if i >= 0 && (encrypted || !descriptors[i].NeedsEncryption) {
			d.Version, d.Allowed = selectVersion(descriptors[i].Versions, o.Versions)
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// BuildTable checks the decisions of the peer on our own offer. An allowed
// decision for an extension we did not offer, or for a version we do not
// support, is a protocol violation.
func BuildTable(descriptors []Descriptor, decisions []Decision, encrypted bool) (*NegotiatedTable, error) {
	agreed := make(map[string]uint64)
	seen := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: duplicate decision %s", ErrMalformedEncoding, d.Name)
		}
		seen[d.Name] = true
		if !d.Allowed {
			continue
		}
		i := slices.IndexFunc(descriptors, func(desc Descriptor) bool {
			return desc.Name == d.Name
		})
		if i < 0 {
			return nil, fmt.Errorf("%w: unrequested extension %s", ErrMalformedEncoding, d.Name)
		}
		if !slices.Contains(descriptors[i].Versions, d.Version) {
			return nil, fmt.Errorf("%w: %s version %d", ErrMalformedEncoding, d.Name, d.Version)
		}
		if descriptors[i].NeedsEncryption && !encrypted {
			continue
		}
		agreed[d.Name] = d.Version
	}
	return newNegotiatedTable(agreed), nil
}

type Negotiation struct {
	descriptors []Descriptor
	initiator   bool
	encrypted   bool
	sent        *MetricPool
	received    *MetricPool
	clock       clock.Clock
}

func NewNegotiation(descriptors []Descriptor, initiator, encrypted bool) *Negotiation {
	return &Negotiation{
		descriptors: descriptors,
		initiator:   initiator,
		encrypted:   encrypted,
		clock:       clock.New(),
	}
}

func (n *Negotiation) Run(ctx context.Context, client Client, timeout time.Duration) (*NegotiatedTable, error) {
	return runWithTimeout(ctx, n.clock, client, timeout, ErrNegotiationTimeout, func() (*NegotiatedTable, error) {
		return n.exchange(client)
	})
}

// exchange runs the two request/response pairs in a fixed order, so a
// synchronous stream never has both ends writing at the same time.
func (n *Negotiation) exchange(client Client) (*NegotiatedTable, error) {
	if n.initiator {
		table, err := n.request(client)
		if err != nil {
			return nil, err
		}
		return table, n.respond(client)
	}
	err := n.respond(client)
	if err != nil {
		return nil, err
	}
	return n.request(client)
}

func (n *Negotiation) request(client Client) (*NegotiatedTable, error) {
	req := &NegotiationRequest{}
	for _, d := range n.descriptors {
		req.Extensions = append(req.Extensions, ExtensionOffer{Name: d.Name, Versions: d.Versions})
	}
	n.sent.handle(PrefixNegotiationRequest)
	err := client.Send(req.Encode())
	if err != nil {
		return nil, err
	}

	tm, err := client.Receive()
	if err != nil {
		return nil, err
	}
	n.received.handle(PrefixNegotiationResponse)
	resp, err := DecodeNegotiationResponse(tm.Data)
	if err != nil {
		return nil, err
	}
	return BuildTable(n.descriptors, resp.Decisions, n.encrypted)
}

func (n *Negotiation) respond(client Client) error {
	tm, err := client.Receive()
	if err != nil {
		return err
	}
	n.received.handle(PrefixNegotiationRequest)
	req, err := DecodeNegotiationRequest(tm.Data)
	if err != nil {
		return err
	}
	decisions, err := Decide(n.descriptors, req.Extensions, n.encrypted)
	if err != nil {
		return err
	}
	resp := &NegotiationResponse{Decisions: decisions}
	n.sent.handle(PrefixNegotiationResponse)
	return client.Send(resp.Encode())
}

// runWithTimeout closes the client when the deadline or the context expires,
// which unblocks the pending exchange.
func runWithTimeout[T any](ctx context.Context, clk clock.Clock, client Client, timeout time.Duration, errTimeout error, fn func() (T, error)) (T, error) {
	type outcome struct {
		res T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn()
		done <- outcome{res, err}
	}()

	var zero T
	timer := clk.Timer(timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.res, o.err
	case <-timer.C:
		client.Close()
		<-done
		return zero, errTimeout
	case <-ctx.Done():
		client.Close()
		<-done
		return zero, ctx.Err()
	}
}
