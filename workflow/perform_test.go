package workflow

import (
	"context"
	"encoding/json"
	"testing"
)

func TestPerform_RejectsUnknownDefinition(t *testing.T) {
	deps := newTestDeps(t, &fakeCaller{})

	w := NewPerform(deps, `{"dd":"BOGUS","d":{}}`)
	err := w.ValidateParams()
	if code := workflowCode(t, err); code != CodeInvalidQRCode {
		t.Errorf("Expected %s, got %s", CodeInvalidQRCode, code)
	}
	if w.sub != nil {
		t.Error("No sub-workflow may be built for an unknown definition")
	}
}

func TestPerform_RejectsMalformedJSON(t *testing.T) {
	deps := newTestDeps(t, &fakeCaller{})

	err := NewPerform(deps, `not json at all`).ValidateParams()
	if code := workflowCode(t, err); code != CodeInvalidQRCode {
		t.Errorf("Expected %s, got %s", CodeInvalidQRCode, code)
	}
}

func TestPerform_DispatchesAuthorizeDevice(t *testing.T) {
	deps := newTestDeps(t, &fakeCaller{})

	payload, err := AuthorizeDeviceQRPayload(testAddr(7))
	if err != nil {
		t.Fatalf("AuthorizeDeviceQRPayload failed: %v", err)
	}

	w := NewPerform(deps, payload)
	if err := w.ValidateParams(); err != nil {
		t.Fatalf("ValidateParams failed: %v", err)
	}
	if _, ok := w.sub.(*AuthorizeDeviceWithQR); !ok {
		t.Errorf("Expected AuthorizeDeviceWithQR sub-workflow, got %T", w.sub)
	}
}

func TestPerform_DispatchesTransaction(t *testing.T) {
	deps := newTestDeps(t, &fakeCaller{})

	payload, err := TransactionQRPayload(RuleDirectTransfer, testTokenID,
		[]string{testAddr(9)}, []string{"100"}, map[string]string{"name": "gift"})
	if err != nil {
		t.Fatalf("TransactionQRPayload failed: %v", err)
	}

	w := NewPerform(deps, payload)
	if err := w.ValidateParams(); err != nil {
		t.Fatalf("ValidateParams failed: %v", err)
	}
	sub, ok := w.sub.(*ExecuteTransaction)
	if !ok {
		t.Fatalf("Expected ExecuteTransaction sub-workflow, got %T", w.sub)
	}
	if sub.ruleName != RuleDirectTransfer {
		t.Errorf("Rule name lost in dispatch: %s", sub.ruleName)
	}
	if len(sub.toAddresses) != 1 || sub.toAddresses[0] != testAddr(9) {
		t.Errorf("Addresses lost in dispatch: %v", sub.toAddresses)
	}
	if sub.meta["name"] != "gift" {
		t.Errorf("Meta lost in dispatch: %v", sub.meta)
	}
}

func TestPerform_RejectsForeignToken(t *testing.T) {
	deps := newTestDeps(t, &fakeCaller{})

	payload, err := TransactionQRPayload(RuleDirectTransfer, "other-token",
		[]string{testAddr(9)}, []string{"100"}, nil)
	if err != nil {
		t.Fatalf("TransactionQRPayload failed: %v", err)
	}

	err = NewPerform(deps, payload).ValidateParams()
	if code := workflowCode(t, err); code != CodeInvalidQRCode {
		t.Errorf("Expected %s, got %s", CodeInvalidQRCode, code)
	}
}

func TestPerform_SubWorkflowParamsAreValidated(t *testing.T) {
	deps := newTestDeps(t, &fakeCaller{})

	// Valid envelope, invalid inner transaction: unknown rule name
	payload, err := TransactionQRPayload("No Such Rule", testTokenID,
		[]string{testAddr(9)}, []string{"100"}, nil)
	if err != nil {
		t.Fatalf("TransactionQRPayload failed: %v", err)
	}

	err = NewPerform(deps, payload).ValidateParams()
	if code := workflowCode(t, err); code != CodeRuleNotFound {
		t.Errorf("Expected %s, got %s", CodeRuleNotFound, code)
	}
}

func TestPerform_CarriesSubWorkflowKind(t *testing.T) {
	deps := newTestDeps(t, &fakeCaller{})

	payload, err := TransactionQRPayload(RuleDirectTransfer, testTokenID,
		[]string{testAddr(9)}, []string{"100"}, nil)
	if err != nil {
		t.Fatalf("TransactionQRPayload failed: %v", err)
	}
	if kind := NewPerform(deps, payload).Kind(); kind != KindExecuteTransaction {
		t.Errorf("Expected %s, got %s", KindExecuteTransaction, kind)
	}

	// An undispatchable payload keeps the dispatcher's own kind
	if kind := NewPerform(deps, `not json at all`).Kind(); kind != KindPerform {
		t.Errorf("Expected %s, got %s", KindPerform, kind)
	}
}

func TestPerform_SharesFlightWithDirectTransaction(t *testing.T) {
	deps := newTestDeps(t, &fakeCaller{})
	e := NewEngine(16)

	blocked := newStubWorkflow(testUserID, KindExecuteTransaction)
	blocked.release = make(chan struct{})
	if _, err := e.Start(context.Background(), blocked); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	payload, err := TransactionQRPayload(RuleDirectTransfer, testTokenID,
		[]string{testAddr(9)}, []string{"100"}, nil)
	if err != nil {
		t.Fatalf("TransactionQRPayload failed: %v", err)
	}
	_, err = e.Start(context.Background(), NewPerform(deps, payload))
	if code := workflowCode(t, err); code != CodeWorkflowInFlight {
		t.Errorf("Expected %s, got %s", CodeWorkflowInFlight, code)
	}

	close(blocked.release)
	e.Wait()
}

func TestTransactionQRPayload_Roundtrip(t *testing.T) {
	payload, err := TransactionQRPayload(RulePricer, testTokenID,
		[]string{testAddr(1), testAddr(2)}, []string{"10", "20"}, nil)
	if err != nil {
		t.Fatalf("TransactionQRPayload failed: %v", err)
	}

	var envelope struct {
		Definition string         `json:"dd"`
		Data       map[string]any `json:"d"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		t.Fatalf("Payload is not valid JSON: %v", err)
	}
	if envelope.Definition != qrDefinitionTransaction {
		t.Errorf("Expected %s definition, got %s", qrDefinitionTransaction, envelope.Definition)
	}
	if envelope.Data["rn"] != RulePricer || envelope.Data["tid"] != testTokenID {
		t.Errorf("Inner payload mangled: %v", envelope.Data)
	}
	if _, present := envelope.Data["m"]; present {
		t.Error("Empty meta must be omitted")
	}
}
