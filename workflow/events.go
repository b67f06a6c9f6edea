package workflow

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mesmerverse/walletkit/entity"
)

// Kind names a workflow flavor. The engine allows at most one in-flight
// workflow per (user, kind).
type Kind string

const (
	KindActivateUser           Kind = "ACTIVATE_USER"
	KindAddSession             Kind = "ADD_SESSION"
	KindAddDeviceWithMnemonics Kind = "ADD_DEVICE_WITH_MNEMONICS"
	KindAuthorizeDeviceWithQR  Kind = "AUTHORIZE_DEVICE_WITH_QR"
	KindExecuteTransaction     Kind = "EXECUTE_TRANSACTION"
	KindPerform                Kind = "PERFORM"
	KindInitiateDeviceRecovery Kind = "INITIATE_DEVICE_RECOVERY"
	KindAbortDeviceRecovery    Kind = "ABORT_DEVICE_RECOVERY"
	KindRevokeDevice           Kind = "REVOKE_DEVICE"
	KindResetPin               Kind = "RESET_PIN"
	KindLogoutAllSessions      Kind = "LOGOUT_ALL_SESSIONS"
)

// Ref identifies one workflow instance in every event it emits.
type Ref struct {
	ID     uuid.UUID
	Kind   Kind
	UserID string
}

// Event is the tagged union delivered on the engine's channel. Consumers
// switch on the concrete type.
type Event interface{ workflowEvent() }

// RequestAcknowledged is emitted when the server has accepted a
// state-changing request but finalization is still pending.
type RequestAcknowledged struct {
	Ref    Ref
	Entity *entity.Entity
}

// NeedPin asks the consumer for the user's PIN. The workflow blocks until
// Submit or Cancel is called on the responder.
type NeedPin struct {
	Ref       Ref
	Responder *PinResponder
}

// ShowQRCode carries a QR payload the consumer should render.
type ShowQRCode struct {
	Ref     Ref
	Payload string
}

// VerifyData asks the consumer to confirm decoded QR data before the flow
// commits to it.
type VerifyData struct {
	Ref       Ref
	Data      map[string]any
	Responder *VerifyResponder
}

// FlowComplete is the successful terminal event.
type FlowComplete struct {
	Ref    Ref
	Entity *entity.Entity
}

// FlowInterrupted is the failure terminal event.
type FlowInterrupted struct {
	Ref Ref
	Err *Error
}

func (RequestAcknowledged) workflowEvent() {}
func (NeedPin) workflowEvent()             {}
func (ShowQRCode) workflowEvent()          {}
func (VerifyData) workflowEvent()          {}
func (FlowComplete) workflowEvent()        {}
func (FlowInterrupted) workflowEvent()     {}

// PinInput is the consumer's answer to a NeedPin event.
type PinInput struct {
	Pin              string
	PassphrasePrefix string
}

type pinReply struct {
	input    PinInput
	canceled bool
}

// PinResponder delivers the PIN back into the blocked workflow. Submit and
// Cancel are one-shot; later calls are ignored.
type PinResponder struct {
	once sync.Once
	ch   chan pinReply
}

func newPinResponder() *PinResponder {
	return &PinResponder{ch: make(chan pinReply, 1)}
}

// Submit provides the PIN and resumes the workflow.
func (r *PinResponder) Submit(pin, passphrasePrefix string) {
	r.once.Do(func() {
		r.ch <- pinReply{input: PinInput{Pin: pin, PassphrasePrefix: passphrasePrefix}}
	})
}

// Cancel terminates the workflow with UserCanceled.
func (r *PinResponder) Cancel() {
	r.once.Do(func() { r.ch <- pinReply{canceled: true} })
}

// VerifyResponder confirms or rejects data shown by a VerifyData event.
type VerifyResponder struct {
	once sync.Once
	ch   chan bool
}

func newVerifyResponder() *VerifyResponder {
	return &VerifyResponder{ch: make(chan bool, 1)}
}

// Confirm lets the flow proceed with the shown data.
func (r *VerifyResponder) Confirm() {
	r.once.Do(func() { r.ch <- true })
}

// Reject terminates the workflow with UserCanceled.
func (r *VerifyResponder) Reject() {
	r.once.Do(func() { r.ch <- false })
}
