// Package remote drives the upstream-server selection state machine: it
// walks an ordered candidate list through a connect → verify → use →
// reattempt cycle and resolves candidate-list updates without disturbing
// an equivalent live connection. All methods must be called from the
// owning event loop.
package remote

import (
	"time"

	"go.uber.org/zap"

	"github.com/buildstash/stash/pkg/constants"
)

// Params identifies one remote server candidate.
type Params struct {
	Addr string
}

// IsEmpty reports whether the candidate carries no address.
func (p Params) IsEmpty() bool {
	return p.Addr == ""
}

// State is the controller state.
type State int

const (
	// StateStopped indicates no upstream is configured or wanted
	StateStopped State = iota
	// StateConnecting indicates a dial to the current candidate is pending
	StateConnecting
	// StateVerifying indicates the channel is open and a Status reply is awaited
	StateVerifying
	// StateStarted indicates the current candidate is verified and in use
	StateStarted
	// StateWaitingReattempt indicates every candidate failed and the
	// controller idles before restarting from the first one
	StateWaitingReattempt
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateVerifying:
		return "verifying"
	case StateStarted:
		return "started"
	case StateWaitingReattempt:
		return "waiting reattempt"
	default:
		return "unknown"
	}
}

// Endpoint is the client endpoint the controller points at candidates.
type Endpoint interface {
	Connect(addr string)
	Disconnect()
	RequestStatus() bool
}

// ScheduleFunc arms a timer whose callback runs on the event loop; the
// returned function cancels it.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func())

// Controller owns the remote state machine.
type Controller struct {
	log      *zap.Logger
	endpoint Endpoint
	schedule ScheduleFunc

	// onStateChanged, when set, observes every state transition.
	onStateChanged func(State)

	state      State
	candidates []Params
	index      int
	indexValid bool
	current    Params

	cancelConnectTimer   func()
	cancelReattemptTimer func()
}

// NewController creates a stopped controller.
func NewController(log *zap.Logger, endpoint Endpoint, schedule ScheduleFunc, onStateChanged func(State)) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		log:            log,
		endpoint:       endpoint,
		schedule:       schedule,
		onStateChanged: onStateChanged,
		state:          StateStopped,
	}
}

// State returns the current controller state.
func (c *Controller) State() State {
	return c.state
}

// Current returns the candidate in use or under attempt.
func (c *Controller) Current() (Params, bool) {
	if !c.indexValid {
		return Params{}, false
	}
	return c.current, true
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("remote state changed",
		zap.String("was", c.state.String()),
		zap.String("now", s.String()))
	c.state = s
	if c.onStateChanged != nil {
		c.onStateChanged(s)
	}
}

// Start begins walking the candidate list from its head. An empty list
// leaves the controller stopped.
func (c *Controller) Start(candidates []Params) {
	c.stopTimers()
	c.candidates = candidates
	c.index = 0
	c.indexValid = false

	if len(c.candidates) == 0 {
		c.setState(StateStopped)
		return
	}
	c.connectTo(0)
}

// Stop disconnects and cancels all timers.
func (c *Controller) Stop() {
	c.stopTimers()
	c.endpoint.Disconnect()
	c.indexValid = false
	c.setState(StateStopped)
}

func (c *Controller) stopTimers() {
	if c.cancelConnectTimer != nil {
		c.cancelConnectTimer()
		c.cancelConnectTimer = nil
	}
	if c.cancelReattemptTimer != nil {
		c.cancelReattemptTimer()
		c.cancelReattemptTimer = nil
	}
}

func (c *Controller) connectTo(index int) {
	c.index = index
	c.indexValid = true
	c.current = c.candidates[index]

	c.log.Info("connecting to remote",
		zap.String("addr", c.current.Addr),
		zap.Int("candidate", index))

	c.setState(StateConnecting)
	c.endpoint.Connect(c.current.Addr)

	if c.cancelConnectTimer != nil {
		c.cancelConnectTimer()
	}
	c.cancelConnectTimer = c.schedule(constants.ConnectTimeout, c.onConnectTimeout)
}

func (c *Controller) onConnectTimeout() {
	c.cancelConnectTimer = nil
	if c.state != StateConnecting && c.state != StateVerifying {
		return
	}

	c.log.Debug("remote did not verify in time", zap.String("addr", c.current.Addr))
	c.endpoint.Disconnect()
	c.useNextCandidate()
}

func (c *Controller) useNextCandidate() {
	if c.cancelConnectTimer != nil {
		c.cancelConnectTimer()
		c.cancelConnectTimer = nil
	}

	next := c.index + 1
	if next < len(c.candidates) {
		c.connectTo(next)
		return
	}

	c.log.Debug("remote candidate list exhausted, waiting before reattempt")
	c.indexValid = false
	c.setState(StateWaitingReattempt)
	c.cancelReattemptTimer = c.schedule(constants.ReattemptWait, c.onReattemptTimer)
}

func (c *Controller) onReattemptTimer() {
	c.cancelReattemptTimer = nil
	if c.state != StateWaitingReattempt {
		return
	}

	if len(c.candidates) == 0 {
		c.setState(StateStopped)
		return
	}
	c.connectTo(0)
}

// OnClientStateChanged feeds channel open/close transitions from the
// endpoint into the state machine.
func (c *Controller) OnClientStateChanged(opened bool) {
	switch c.state {
	case StateConnecting:
		if opened {
			c.setState(StateVerifying)
			c.endpoint.RequestStatus()
		} else {
			c.useNextCandidate()
		}

	case StateVerifying:
		if !opened {
			c.useNextCandidate()
		}

	case StateStarted:
		if !opened {
			c.log.Info("remote closed the channel", zap.String("addr", c.current.Addr))
			c.endpoint.Disconnect()
			c.indexValid = false
			c.setState(StateWaitingReattempt)
			c.cancelReattemptTimer = c.schedule(constants.ReattemptWait, c.onReattemptTimer)
		}

	default:
		// Late notifications after Stop are ignored
	}
}

// OnStatusReceived completes verification of the current candidate.
func (c *Controller) OnStatusReceived() {
	if c.state != StateVerifying {
		return
	}

	if c.cancelConnectTimer != nil {
		c.cancelConnectTimer()
		c.cancelConnectTimer = nil
	}

	c.log.Info("remote verified", zap.String("addr", c.current.Addr))
	c.setState(StateStarted)
}

// OnIncorrectPacket treats an unexpected reply during verification as a
// candidate failure.
func (c *Controller) OnIncorrectPacket() {
	if c.state != StateConnecting && c.state != StateVerifying {
		return
	}

	c.log.Debug("unexpected packet while verifying remote", zap.String("addr", c.current.Addr))
	c.endpoint.Disconnect()
	c.useNextCandidate()
}

// UpdateCandidates resolves a changed effective candidate list. A list
// equal to the live one up to and including the current candidate is
// swapped in place without disturbing the connection; anything else
// restarts the walk from the head of the new list.
func (c *Controller) UpdateCandidates(updated []Params) {
	if c.state == StateStopped {
		c.candidates = updated
		return
	}

	cmp := c.compareWithCurrent(updated)
	if cmp.totallyEqual {
		return
	}

	if cmp.equalThroughCurrent {
		c.candidates = updated
		return
	}

	c.log.Debug("remote candidate list changed, reconnecting")
	c.stopTimers()
	c.endpoint.Disconnect()
	c.Start(updated)
}

type compareResult struct {
	totallyEqual        bool
	equalThroughCurrent bool
}

func (c *Controller) compareWithCurrent(updated []Params) compareResult {
	result := compareResult{
		totallyEqual: len(updated) == len(c.candidates),
	}
	if result.totallyEqual {
		for i := range updated {
			if updated[i] != c.candidates[i] {
				result.totallyEqual = false
				break
			}
		}
	}

	if c.indexValid && c.index < len(updated) {
		result.equalThroughCurrent = true
		for i := 0; i <= c.index; i++ {
			if updated[i] != c.candidates[i] {
				result.equalThroughCurrent = false
				break
			}
		}
	}

	return result
}
