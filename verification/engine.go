// Package verification negotiates a verification method between exactly two parties and
// hands the interactive part off to a per-method Verifier. Phase transitions are
// recomputed from the full event set on every delivery, which makes the machine safe
// under duplication and reordering.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-seal/clock"
	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/crypto"
	"github.com/meow-io/go-seal/event"
	"github.com/meow-io/go-seal/trust"
	"go.uber.org/zap"
)

var (
	// The requested method is not registered locally or not in the agreed common set.
	ErrUnknownMethod = errors.New("verification: unknown method")
	// The awaited condition can no longer hold because the request was cancelled.
	ErrCancelled = errors.New("verification: request cancelled")
)

// An event indicating a request changed phase.
type PhaseUpdate struct {
	TransactionID string
	Phase         Phase
	OtherUserID   string
	OtherDeviceID string
}

// An event indicating a new request arrived from a peer.
type RequestUpdate struct {
	TransactionID string
	OtherUserID   string
	OtherDeviceID string
}

type Engine struct {
	config   *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	crypto   *crypto.Provider
	registry *trust.Registry
	userID   string
	deviceID string

	lock     sync.Mutex
	methods  map[string]VerifierFactory
	ordered  []string
	requests map[string]*Request
	updates  chan interface{}
}

func NewEngine(c *config.Config, cl clock.Clock, provider *crypto.Provider, registry *trust.Registry, userID, deviceID string, methods map[string]VerifierFactory) *Engine {
	ordered := make([]string, 0, len(methods))
	for name := range methods {
		ordered = append(ordered, name)
	}

	return &Engine{
		config:   c,
		log:      c.Logger("verification/engine"),
		clock:    cl,
		crypto:   provider,
		registry: registry,
		userID:   userID,
		deviceID: deviceID,
		methods:  methods,
		ordered:  ordered,
		requests: make(map[string]*Request),
		updates:  make(chan interface{}, 100),
	}
}

// Gets phase-change and request-arrival notifications.
func (e *Engine) Updates() chan interface{} {
	return e.updates
}

// Create a new outgoing request over the given channel.
func (e *Engine) NewRequest(channel Channel) *Request {
	e.lock.Lock()
	defer e.lock.Unlock()
	r := newRequest(e, channel, true)
	e.requests[channel.TransactionID()] = r
	return r
}

func (e *Engine) Request(transactionID string) *Request {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.requests[transactionID]
}

// HandleIncoming is the engine's single entry point for inbound and echoed verification
// events. Invalid events are rejected before they reach any request.
func (e *Engine) HandleIncoming(channel Channel, ev *event.Event, isLive, isRemoteEcho bool) error {
	if !event.Validate(ev.Type, &ev.Content) {
		e.log.Debugf("rejecting invalid %s event", ev.Type)
		return nil
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	// events we send are recorded at send time; anything arriving here from our own
	// user is either a remote echo of those or traffic from another of our devices
	isSentByUs := ev.Sender == e.userID && isRemoteEcho

	r, ok := e.requests[channel.TransactionID()]
	if !ok {
		if !channel.CanCreateRequest(ev.Type) {
			e.log.Debugf("ignoring %s, no request for txn %s and channel cannot create one", ev.Type, channel.TransactionID())
			return nil
		}
		r = newRequest(e, channel, isSentByUs)
		e.requests[channel.TransactionID()] = r
		if !isSentByUs {
			e.enqueueUpdate(&RequestUpdate{
				TransactionID: channel.TransactionID(),
				OtherUserID:   ev.Sender,
				OtherDeviceID: ev.Content.FromDevice,
			})
		}
	}

	return r.handleEvent(ev.Type, ev, isLive, isRemoteEcho, isSentByUs)
}

// An event sent by another device of the local account.
func (e *Engine) peerDeviceInitiated(ev *event.Event) bool {
	return ev.Sender == e.userID && ev.Content.FromDevice != "" && ev.Content.FromDevice != e.deviceID
}

func (e *Engine) methodNames() []string {
	return e.ordered
}

func (e *Engine) hasMethod(name string) bool {
	_, ok := e.methods[name]
	return ok
}

func (e *Engine) newVerifier(r *Request, method string, startedByUs bool) (Verifier, error) {
	factory, ok := e.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	e.log.Debugf("creating %s verifier for %s", method, r.TransactionID())
	return factory(r, r.channel, e.crypto, e.registry, startedByUs), nil
}

func (e *Engine) timeoutFired(r *Request) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if r.Phase() != PhaseRequested {
		return
	}
	reason := "Other party didn't accept in time"
	if !r.initiatedByMe {
		reason = "User didn't accept in time"
	}
	e.log.Debugf("request %s timed out", r.TransactionID())
	if err := r.sendCancel(event.CancelCodeTimeout, reason); err != nil {
		e.log.Warnf("error cancelling timed-out request %s: %#v", r.TransactionID(), err)
	}
}

func (e *Engine) forget(r *Request) {
	delete(e.requests, r.TransactionID())
}

func (e *Engine) enqueueUpdate(u interface{}) {
	select {
	case e.updates <- u:
	default:
		e.log.Warnf("dropping update %#v", u)
	}
}

// WaitFor blocks until pred holds for the request, reacting to repeated phase-change
// notifications, or fails if the request is cancelled or the context expires.
func (e *Engine) WaitFor(ctx context.Context, r *Request, pred func(*Request) bool) error {
	e.lock.Lock()
	if pred(r) {
		e.lock.Unlock()
		return nil
	}
	if r.Phase() == PhaseCancelled {
		e.lock.Unlock()
		return ErrCancelled
	}
	w := r.subscribe()
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		r.unsubscribe(w)
		e.lock.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-w:
			e.lock.Lock()
			ok := pred(r)
			e.lock.Unlock()
			if ok {
				return nil
			}
			if p == PhaseCancelled {
				return ErrCancelled
			}
		}
	}
}
