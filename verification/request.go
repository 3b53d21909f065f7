package verification

import (
	"fmt"
	"time"

	"github.com/meow-io/go-seal/event"
	"go.uber.org/zap"
)

type phaseTransition struct {
	phase    Phase
	event    *event.Event
	sentByUs bool
}

// A single verification attempt between exactly two parties. A request is owned by the
// engine that created it; transport registries only hold weak lookups by transaction id.
type Request struct {
	engine  *Engine
	channel Channel
	log     *zap.SugaredLogger

	initiatedByMe       bool
	otherUserID         string
	otherDeviceID       string
	requestReceivedAtMs uint64
	observeOnly         bool
	cancelCode          string
	cancelReason        string
	cancelledBy         string
	chosenMethod        string
	commonMethods       []string

	eventsByUs   map[string]*event.Event
	eventsByThem map[string]*event.Event

	applied      []phaseTransition
	verifier     Verifier
	timeoutTimer timerHandle
	waiters      []chan Phase
}

type timerHandle interface {
	Stop() bool
}

func newRequest(e *Engine, channel Channel, initiatedByMe bool) *Request {
	return &Request{
		engine:        e,
		channel:       channel,
		log:           e.log,
		initiatedByMe: initiatedByMe,
		otherUserID:   channel.UserID(),
		otherDeviceID: channel.DeviceID(),
		eventsByUs:    make(map[string]*event.Event),
		eventsByThem:  make(map[string]*event.Event),
		applied:       []phaseTransition{{phase: PhaseUnsent}},
	}
}

func (r *Request) Phase() Phase {
	return r.applied[len(r.applied)-1].phase
}

func (r *Request) TransactionID() string {
	return r.channel.TransactionID()
}

func (r *Request) OtherUserID() string {
	return r.otherUserID
}

func (r *Request) OtherDeviceID() string {
	return r.otherDeviceID
}

func (r *Request) ChosenMethod() string {
	return r.chosenMethod
}

func (r *Request) CommonMethods() []string {
	return r.commonMethods
}

func (r *Request) ObserveOnly() bool {
	return r.observeOnly
}

func (r *Request) CancelCode() string {
	return r.cancelCode
}

func (r *Request) CancelledBy() string {
	return r.cancelledBy
}

func (r *Request) Verifier() Verifier {
	return r.verifier
}

func (r *Request) isSelfVerification() bool {
	return r.otherUserID == r.engine.userID
}

// Send the initial request with the locally supported method set. Allowed only from
// phase Unsent.
func (r *Request) SendRequest() error {
	if r.Phase() != PhaseUnsent {
		return fmt.Errorf("verification: cannot send request in phase %s", r.Phase())
	}
	content := &event.Content{
		FromDevice: r.engine.deviceID,
		Methods:    r.engine.methodNames(),
	}
	if err := r.channel.Send(event.TypeVerificationRequest, content); err != nil {
		return fmt.Errorf("verification: error sending request: %w", err)
	}
	r.record(event.TypeVerificationRequest, &event.Event{
		Type:        event.TypeVerificationRequest,
		Sender:      r.engine.userID,
		TimestampMs: r.engine.clock.CurrentTimeMs(),
		Content:     *content,
	}, true)
	return r.applyTransitions(true)
}

// Accept an incoming request by sending ready with the local method set. Allowed only
// from Requested and only when the peer initiated.
func (r *Request) Accept() error {
	if r.Phase() != PhaseRequested {
		return fmt.Errorf("verification: cannot accept in phase %s", r.Phase())
	}
	if r.initiatedByMe {
		return fmt.Errorf("verification: cannot accept own request")
	}
	if r.observeOnly {
		return fmt.Errorf("verification: cannot accept in observe-only mode")
	}
	content := &event.Content{
		FromDevice: r.engine.deviceID,
		Methods:    r.engine.methodNames(),
	}
	if err := r.channel.Send(event.TypeVerificationReady, content); err != nil {
		return fmt.Errorf("verification: error sending ready: %w", err)
	}
	r.record(event.TypeVerificationReady, &event.Event{
		Type:        event.TypeVerificationReady,
		Sender:      r.engine.userID,
		TimestampMs: r.engine.clock.CurrentTimeMs(),
		Content:     *content,
	}, true)
	return r.applyTransitions(true)
}

// Cancel the request. If a verifier is already attached cancellation is delegated to it;
// otherwise a cancel event is sent directly. The phase change happens through the normal
// recompute path when the cancel event is recorded.
func (r *Request) Cancel(code, reason string) error {
	if r.Phase().terminal() {
		return fmt.Errorf("verification: cannot cancel in phase %s", r.Phase())
	}
	if r.observeOnly {
		return fmt.Errorf("verification: cannot cancel in observe-only mode")
	}
	if r.verifier != nil {
		return r.verifier.Cancel(code, reason)
	}
	return r.sendCancel(code, reason)
}

func (r *Request) sendCancel(code, reason string) error {
	content := &event.Content{Code: code, Reason: reason}
	if err := r.channel.Send(event.TypeVerificationCancel, content); err != nil {
		return fmt.Errorf("verification: error sending cancel: %w", err)
	}
	r.record(event.TypeVerificationCancel, &event.Event{
		Type:        event.TypeVerificationCancel,
		Sender:      r.engine.userID,
		TimestampMs: r.engine.clock.CurrentTimeMs(),
		Content:     *content,
	}, true)
	return r.applyTransitions(true)
}

func (r *Request) sendDone() error {
	if _, ok := r.eventsByUs[event.TypeVerificationDone]; ok {
		return nil
	}
	if err := r.channel.Send(event.TypeVerificationDone, &event.Content{}); err != nil {
		return fmt.Errorf("verification: error sending done: %w", err)
	}
	r.record(event.TypeVerificationDone, &event.Event{
		Type:        event.TypeVerificationDone,
		Sender:      r.engine.userID,
		TimestampMs: r.engine.clock.CurrentTimeMs(),
		Content:     event.Content{},
	}, true)
	return r.applyTransitions(true)
}

// Begin the interactive method by sending a start event. Allowed from Unsent (only when
// the channel can create a request from a start), Requested or Ready.
func (r *Request) BeginKeyVerification(method string, targetDevice string) (Verifier, error) {
	switch r.Phase() {
	case PhaseUnsent:
		if !r.channel.CanCreateRequest(event.TypeVerificationStart) {
			return nil, fmt.Errorf("verification: channel cannot create a request from a start event")
		}
	case PhaseRequested, PhaseReady:
	default:
		return nil, fmt.Errorf("verification: cannot start in phase %s", r.Phase())
	}
	if !r.engine.hasMethod(method) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if !r.OtherPartySupportsMethod(method, r.Phase() == PhaseUnsent) {
		return nil, fmt.Errorf("%w: %s not agreed by other party", ErrUnknownMethod, method)
	}
	if targetDevice != "" {
		r.otherDeviceID = targetDevice
	}

	content := &event.Content{
		FromDevice: r.engine.deviceID,
		Method:     method,
	}
	if err := r.channel.Send(event.TypeVerificationStart, content); err != nil {
		return nil, fmt.Errorf("verification: error sending start: %w", err)
	}

	// the remote side may have won the start race while our send was in flight; if so,
	// yield to it and discard ours
	if theirs, ok := r.eventsByThem[event.TypeVerificationStart]; ok {
		ours := &event.Event{Sender: r.engine.userID, Content: *content}
		if r.resolveStartRace(ours, theirs) == theirs {
			r.log.Debugf("local start for %s lost race to remote start, yielding", r.TransactionID())
			return r.verifier, nil
		}
	}

	r.record(event.TypeVerificationStart, &event.Event{
		Type:        event.TypeVerificationStart,
		Sender:      r.engine.userID,
		TimestampMs: r.engine.clock.CurrentTimeMs(),
		Content:     *content,
	}, true)
	if err := r.applyTransitions(true); err != nil {
		return nil, err
	}
	return r.verifier, nil
}

// Whether the peer's declared method list includes the given method. When the peer has
// not declared anything yet and we started unilaterally, the method is optimistically
// assumed supported when it matches our own chosen method, or when force is set.
func (r *Request) OtherPartySupportsMethod(method string, force bool) bool {
	if force {
		return true
	}
	var declared []string
	if ev, ok := r.eventsByThem[event.TypeVerificationReady]; ok {
		declared = ev.Content.Methods
	} else if ev, ok := r.eventsByThem[event.TypeVerificationRequest]; ok {
		declared = ev.Content.Methods
	}
	if declared == nil {
		if _, ok := r.eventsByUs[event.TypeVerificationStart]; ok {
			return method == r.chosenMethod || r.chosenMethod == ""
		}
		return false
	}
	for _, m := range declared {
		if m == method {
			return true
		}
	}
	return false
}

// The single entry point for inbound and echoed protocol events. A no-op once the request
// is terminal; duplicate events from the same party are ignored.
func (r *Request) handleEvent(eventType string, ev *event.Event, isLive, isRemoteEcho, isSentByUs bool) error {
	if r.Phase().terminal() {
		return nil
	}

	either := r.eventsByThem
	if isSentByUs {
		either = r.eventsByUs
	}
	if _, ok := either[eventType]; ok {
		r.log.Debugf("ignoring duplicate %s for %s", eventType, r.TransactionID())
		return nil
	}

	pastUnsent := r.Phase() > PhaseUnsent

	// error guard; events arriving before any progression may belong to an unrelated
	// request sharing the same channel, so they are ignored rather than cancelled
	if pastUnsent && !isSentByUs {
		switch eventType {
		case event.TypeVerificationStart:
			if r.Phase() < PhaseStarted && !r.engine.hasMethod(ev.Content.Method) {
				return r.sendCancel(event.CancelCodeUnknownMethod, fmt.Sprintf("unknown method %s", ev.Content.Method))
			}
		case event.TypeVerificationRequest:
			return r.sendCancel(event.CancelCodeUnexpectedMessage, "request in an already-advanced phase")
		}
	}
	if !pastUnsent {
		switch eventType {
		case event.TypeVerificationRequest:
		case event.TypeVerificationStart:
			if !r.channel.CanCreateRequest(event.TypeVerificationStart) && !isSentByUs {
				return nil
			}
		default:
			return nil
		}
	}

	// a second start past Started is a race between the two parties; the deterministic
	// winner stands and the loser is discarded without cancelling
	if eventType == event.TypeVerificationStart && r.Phase() >= PhaseStarted {
		ours := r.eventsByUs[event.TypeVerificationStart]
		if isSentByUs || ours == nil || r.resolveStartRace(ours, ev) != ev {
			r.log.Debugf("discarding late start from %s for %s", ev.Sender, r.TransactionID())
			return nil
		}
		// theirs wins; our start and the verifier built from it are withdrawn and the
		// Started transition is recomputed from their event
		r.log.Debugf("remote start won the race for %s, yielding", r.TransactionID())
		delete(r.eventsByUs, event.TypeVerificationStart)
		r.verifier = nil
		r.applied = r.applied[:len(r.applied)-1]
	}

	if eventType == event.TypeVerificationRequest && !isSentByUs {
		r.requestReceivedAtMs = r.engine.clock.CurrentTimeMs()
		r.otherDeviceID = ev.Content.FromDevice
	}

	if !isLive {
		r.observeOnly = true
	}

	r.record(eventType, ev, isSentByUs)

	if err := r.applyTransitions(isLive); err != nil {
		return err
	}

	// method-level events go to the attached verifier
	if r.verifier != nil && !isSentByUs {
		switch eventType {
		case event.TypeVerificationAccept, event.TypeVerificationKey, event.TypeVerificationMac, event.TypeVerificationDone, event.TypeVerificationCancel:
			if err := r.verifier.HandleEvent(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Request) record(eventType string, ev *event.Event, sentByUs bool) {
	if sentByUs {
		r.eventsByUs[eventType] = ev
	} else {
		r.eventsByThem[eventType] = ev
	}
}

// computePhases recomputes the maximal legal phase sequence from the full set of events
// exchanged so far. It is pure over the event maps: re-running it on a superset of events
// always yields the previous sequence as a prefix, which is what makes duplicate and
// out-of-order delivery safe.
func (r *Request) computePhases() []phaseTransition {
	transitions := []phaseTransition{{phase: PhaseUnsent}}

	ourRequest := r.eventsByUs[event.TypeVerificationRequest]
	theirRequest := r.eventsByThem[event.TypeVerificationRequest]
	if ourRequest != nil {
		transitions = append(transitions, phaseTransition{phase: PhaseRequested, event: ourRequest, sentByUs: true})
	} else if theirRequest != nil {
		transitions = append(transitions, phaseTransition{phase: PhaseRequested, event: theirRequest})
	}

	ourReady := r.eventsByUs[event.TypeVerificationReady]
	theirReady := r.eventsByThem[event.TypeVerificationReady]
	if len(transitions) > 1 {
		// ready must come from the party which did not send the request
		if ourRequest != nil && theirReady != nil {
			transitions = append(transitions, phaseTransition{phase: PhaseReady, event: theirReady})
		} else if theirRequest != nil && ourReady != nil {
			transitions = append(transitions, phaseTransition{phase: PhaseReady, event: ourReady, sentByUs: true})
		}
	}

	ourStart := r.eventsByUs[event.TypeVerificationStart]
	theirStart := r.eventsByThem[event.TypeVerificationStart]
	if start := r.resolveStartRace(ourStart, theirStart); start != nil {
		canStartHere := len(transitions) > 1 || r.channel.CanCreateRequest(event.TypeVerificationStart)
		if canStartHere {
			transitions = append(transitions, phaseTransition{phase: PhaseStarted, event: start, sentByUs: start == ourStart})
		}
	}

	ourDone := r.eventsByUs[event.TypeVerificationDone]
	theirDone := r.eventsByThem[event.TypeVerificationDone]
	if ourDone != nil && theirDone != nil {
		transitions = append(transitions, phaseTransition{phase: PhaseDone, event: theirDone})
	}

	if cancel := r.eventsByThem[event.TypeVerificationCancel]; cancel != nil {
		transitions = append(transitions, phaseTransition{phase: PhaseCancelled, event: cancel})
	} else if cancel := r.eventsByUs[event.TypeVerificationCancel]; cancel != nil {
		transitions = append(transitions, phaseTransition{phase: PhaseCancelled, event: cancel, sentByUs: true})
	}

	return transitions
}

// Break the tie when both parties sent a start. For a self-verification the lower
// from_device wins; for a cross-user verification the lower sender user id wins. The
// identifier-domain asymmetry is part of the wire protocol and must not be collapsed.
func (r *Request) resolveStartRace(ours, theirs *event.Event) *event.Event {
	if ours == nil {
		return theirs
	}
	if theirs == nil {
		return ours
	}
	if r.isSelfVerification() {
		if ours.Content.FromDevice < theirs.Content.FromDevice {
			return ours
		}
		return theirs
	}
	if ours.Sender < theirs.Sender {
		return ours
	}
	return theirs
}

func (r *Request) applyTransitions(isLive bool) error {
	transitions := r.computePhases()
	for len(r.applied) < len(transitions) {
		t := transitions[len(r.applied)]
		r.applied = append(r.applied, t)
		if err := r.enterPhase(t, isLive); err != nil {
			return err
		}
	}
	return nil
}

func (r *Request) enterPhase(t phaseTransition, isLive bool) error {
	r.log.Debugf("request %s entering phase %s", r.TransactionID(), t.phase)

	switch t.phase {
	case PhaseRequested:
		if !t.sentByUs {
			if r.engine.peerDeviceInitiated(t.event) && r.channel.ReceiveStartFromOtherDevices() {
				r.observeOnly = true
			}
			if isLive && r.timeoutMs() < r.engine.config.VerificationSafetyMarginMs {
				r.observeOnly = true
			}
		}
		r.armTimeoutTimer()
	case PhaseReady:
		r.stopTimeoutTimer()
		r.commonMethods = r.computeCommonMethods()
		if r.isSelfVerification() && !t.sentByUs && t.event.Content.FromDevice != "" {
			r.otherDeviceID = t.event.Content.FromDevice
		}
	case PhaseStarted:
		r.stopTimeoutTimer()
		r.chosenMethod = t.event.Content.Method
		if !t.sentByUs && t.event.Content.FromDevice != "" {
			r.otherDeviceID = t.event.Content.FromDevice
		}
		if r.verifier == nil && !r.observeOnly {
			v, err := r.engine.newVerifier(r, t.event.Content.Method, t.sentByUs)
			if err != nil {
				return r.sendCancel(event.CancelCodeUnknownMethod, err.Error())
			}
			r.verifier = v
		}
	case PhaseDone:
		r.stopTimeoutTimer()
		r.engine.forget(r)
	case PhaseCancelled:
		r.stopTimeoutTimer()
		r.cancelCode = t.event.Content.Code
		r.cancelReason = t.event.Content.Reason
		r.cancelledBy = t.event.Sender
		r.engine.forget(r)
	}

	r.notifyPhase(t.phase)
	return nil
}

func (r *Request) computeCommonMethods() []string {
	var theirs []string
	if ev, ok := r.eventsByThem[event.TypeVerificationReady]; ok {
		theirs = ev.Content.Methods
	} else if ev, ok := r.eventsByThem[event.TypeVerificationRequest]; ok {
		theirs = ev.Content.Methods
	}
	common := make([]string, 0)
	for _, m := range r.engine.methodNames() {
		for _, t := range theirs {
			if m == t {
				common = append(common, m)
				break
			}
		}
	}
	return common
}

// Remaining time before the request expires. The effective expiry is the request event
// timestamp plus the full timeout, tightened to two minutes after receipt when the peer
// initiated and we have not progressed past Requested.
func (r *Request) timeoutMs() uint64 {
	if p := r.Phase(); p == PhaseCancelled || p == PhaseDone {
		return 0
	}
	var requestTs uint64
	if ev, ok := r.eventsByThem[event.TypeVerificationRequest]; ok {
		requestTs = r.channel.Timestamp(ev)
	} else if ev, ok := r.eventsByUs[event.TypeVerificationRequest]; ok {
		requestTs = r.channel.Timestamp(ev)
	} else {
		return 0
	}

	expiry := requestTs + r.engine.config.VerificationTimeoutMs
	if !r.initiatedByMe && r.Phase() <= PhaseRequested && r.requestReceivedAtMs != 0 {
		if alt := r.requestReceivedAtMs + r.engine.config.VerificationReceiptTimeoutMs; alt < expiry {
			expiry = alt
		}
	}
	now := r.engine.clock.CurrentTimeMs()
	if expiry <= now {
		return 0
	}
	return expiry - now
}

func (r *Request) armTimeoutTimer() {
	if r.Phase() != PhaseRequested || r.observeOnly || r.timeoutTimer != nil {
		return
	}
	remaining := r.timeoutMs()
	r.timeoutTimer = r.engine.clock.AfterFunc(time.Duration(remaining)*time.Millisecond, func() {
		r.engine.timeoutFired(r)
	})
}

func (r *Request) stopTimeoutTimer() {
	if r.timeoutTimer == nil {
		return
	}
	r.timeoutTimer.Stop()
	r.timeoutTimer = nil
}

func (r *Request) notifyPhase(p Phase) {
	for _, w := range r.waiters {
		select {
		case w <- p:
		default:
		}
	}
	r.engine.enqueueUpdate(&PhaseUpdate{
		TransactionID: r.TransactionID(),
		Phase:         p,
		OtherUserID:   r.otherUserID,
		OtherDeviceID: r.otherDeviceID,
	})
}

func (r *Request) subscribe() chan Phase {
	w := make(chan Phase, 8)
	r.waiters = append(r.waiters, w)
	return w
}

func (r *Request) unsubscribe(w chan Phase) {
	for i, o := range r.waiters {
		if o == w {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}
