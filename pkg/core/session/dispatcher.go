package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aurelio-ai/voicelink/pkg/core/signal"
	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

// Dispatcher executes tool calls against the platform backend and returns
// exactly one result per call id to the session channel. A failed execution
// still produces a result, as a structured error payload the model can
// recover from conversationally; silence would stall the conversation.
type Dispatcher struct {
	backend   Backend
	agentID   string
	sessionID string
	grace     time.Duration

	send      func(signal.ClientEvent) error
	onResult  func(types.ToolResult)
	onEndCall func()

	mu         sync.Mutex
	handled    map[string]bool
	graceTimer *time.Timer
	stopped    bool
}

// NewDispatcher wires a Dispatcher. send pushes the result frame onto the
// channel; onResult observes every produced result; onEndCall fires after
// the grace delay when a result carries the end-call directive.
func NewDispatcher(backend Backend, agentID, sessionID string, grace time.Duration,
	send func(signal.ClientEvent) error, onResult func(types.ToolResult), onEndCall func()) *Dispatcher {
	return &Dispatcher{
		backend:   backend,
		agentID:   agentID,
		sessionID: sessionID,
		grace:     grace,
		send:      send,
		onResult:  onResult,
		onEndCall: onEndCall,
		handled:   make(map[string]bool),
	}
}

// Dispatch runs one tool call to completion. Redelivered call ids are
// ignored; the channel may replay a call event but the backend must see it
// once and the model must receive one result.
func (d *Dispatcher) Dispatch(ctx context.Context, call types.ToolCall) {
	d.mu.Lock()
	if d.stopped || d.handled[call.CallID] {
		d.mu.Unlock()
		return
	}
	d.handled[call.CallID] = true
	d.mu.Unlock()

	result, err := d.backend.ExecuteTool(ctx, types.ToolExecutionRequest{
		AgentID:   d.agentID,
		SessionID: d.sessionID,
		CallID:    call.CallID,
		Name:      call.Name,
		Arguments: call.Arguments,
	})
	if err != nil {
		result = failureResult(call.CallID, err)
	}
	result.CallID = call.CallID

	if ctx.Err() != nil {
		// The session tore down while the tool ran; the channel is gone.
		return
	}

	_ = d.send(signal.ToolOutput{CallID: result.CallID, Output: result.Output})

	if d.onResult != nil {
		d.onResult(result)
	}
	if result.Action == types.EndCallAction {
		d.scheduleEndCall()
	}
}

// scheduleEndCall arms the hang-up timer. The delay lets the agent speak
// its farewell before teardown cuts the audio. Re-arming is a no-op; the
// first directive wins.
func (d *Dispatcher) scheduleEndCall() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.graceTimer != nil {
		return
	}
	d.graceTimer = time.AfterFunc(d.grace, func() {
		if d.onEndCall != nil {
			d.onEndCall()
		}
	})
}

// Stop cancels a pending end-call timer and refuses further dispatches.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.graceTimer != nil {
		d.graceTimer.Stop()
		d.graceTimer = nil
	}
}

func failureResult(callID string, err error) types.ToolResult {
	payload, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		payload = []byte(`{"error":"tool execution failed"}`)
	}
	return types.ToolResult{
		CallID:  callID,
		Output:  payload,
		IsError: true,
	}
}
