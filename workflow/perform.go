package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mesmerverse/walletkit/entity"
)

// Recognized QR definitions.
const (
	qrDefinitionAuthorizeDevice = "AUTHORIZE_DEVICE"
	qrDefinitionTransaction     = "TX"
)

// qrEnvelope wraps an inner payload in the transportable QR JSON.
func qrEnvelope(definition string, data map[string]any) (string, error) {
	raw, err := json.Marshal(map[string]any{"dd": definition, "d": data})
	if err != nil {
		return "", fmt.Errorf("failed to encode QR payload: %w", err)
	}
	return string(raw), nil
}

// TransactionQRPayload builds the QR JSON encoding a transaction request.
func TransactionQRPayload(ruleName, tokenID string, toAddresses, amounts []string, meta map[string]string) (string, error) {
	data := map[string]any{
		"rn":  ruleName,
		"ads": toAddresses,
		"ams": amounts,
		"tid": tokenID,
	}
	if len(meta) > 0 {
		data["m"] = meta
	}
	return qrEnvelope(qrDefinitionTransaction, data)
}

// Perform decodes a scanned QR payload and dispatches to the matching
// sub-workflow. The envelope is {"dd": definition, "d": inner payload};
// anything outside the allow-list fails with InvalidQRCode before any state
// is touched.
type Perform struct {
	base

	payload string

	sub         Workflow
	dispatchErr error
}

// NewPerform creates the dispatcher for a scanned payload. Dispatch happens
// eagerly so the instance carries the sub-workflow's kind: the engine's
// single-flight guard then treats a QR-started flow and a directly started
// one as the same kind.
func NewPerform(deps *Deps, payload string) *Perform {
	w := &Perform{base: newBase(deps), payload: payload}
	w.sub, w.dispatchErr = w.dispatch()
	return w
}

func (w *Perform) Kind() Kind {
	if w.sub != nil {
		return w.sub.Kind()
	}
	return KindPerform
}

func (w *Perform) ValidateParams() error {
	if w.dispatchErr != nil {
		return w.dispatchErr
	}
	return w.sub.ValidateParams()
}

func (w *Perform) Prepare(ctx context.Context) error {
	return w.sub.Prepare(ctx)
}

func (w *Perform) Process(ctx context.Context) (*entity.Entity, error) {
	return w.sub.Process(ctx)
}

func (w *Perform) bind(ref Ref, events chan<- Event) {
	w.base.bind(ref, events)
	if w.sub != nil {
		w.sub.bind(ref, events)
	}
}

// dispatch parses the envelope and builds the sub-workflow. The sub-workflow
// is bound to this instance's ref later, so its events look like Perform's
// own.
func (w *Perform) dispatch() (Workflow, error) {
	var envelope struct {
		Definition string         `json:"dd"`
		Data       map[string]any `json:"d"`
	}
	if err := json.Unmarshal([]byte(w.payload), &envelope); err != nil {
		return nil, invalidInput(CodeInvalidQRCode, "QR payload is not valid JSON")
	}

	var sub Workflow
	switch strings.ToUpper(envelope.Definition) {
	case qrDefinitionAuthorizeDevice:
		deviceAddress, _ := envelope.Data["da"].(string)
		if deviceAddress == "" {
			return nil, invalidInput(CodeInvalidQRCode, "QR payload has no device address")
		}
		sub = NewAuthorizeDeviceWithQR(w.deps, deviceAddress)

	case qrDefinitionTransaction:
		params, err := w.transactionParams(envelope.Data)
		if err != nil {
			return nil, err
		}
		sub = params

	default:
		return nil, invalidInput(CodeInvalidQRCode, "unrecognized QR definition %q", envelope.Definition)
	}

	return sub, nil
}

func (w *Perform) transactionParams(data map[string]any) (*ExecuteTransaction, error) {
	ruleName, _ := data["rn"].(string)
	if ruleName == "" {
		return nil, invalidInput(CodeInvalidQRCode, "QR payload has no rule name")
	}
	tokenID := fmt.Sprintf("%v", data["tid"])
	if tokenID != w.deps.TokenID {
		return nil, invalidInput(CodeInvalidQRCode,
			"QR payload token %s does not match this wallet's token", tokenID)
	}

	toAddresses, err := stringSlice(data["ads"])
	if err != nil {
		return nil, invalidInput(CodeInvalidQRCode, "QR payload has malformed addresses")
	}
	amounts, err := stringSlice(data["ams"])
	if err != nil {
		return nil, invalidInput(CodeInvalidQRCode, "QR payload has malformed amounts")
	}

	meta := map[string]string{}
	if rawMeta, ok := data["m"].(map[string]any); ok {
		for k, v := range rawMeta {
			if s, ok := v.(string); ok {
				meta[k] = s
			}
		}
	}
	return NewExecuteTransaction(w.deps, ruleName, toAddresses, amounts, meta), nil
}

func stringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, elem := range t {
			s, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("non-string element")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("not a string array")
}
