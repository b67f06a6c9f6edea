package api

import (
	"strings"
	"testing"
)

// fakeKeys records the message it signed.
type fakeKeys struct {
	device string
	api    string
	signed string
}

func (f *fakeKeys) SignMessageWithAPIKey(message string) (string, error) {
	f.signed = message
	return "0xsigned", nil
}

func (f *fakeKeys) DeviceAddress() (string, error) { return f.device, nil }
func (f *fakeKeys) APIAddress() (string, error)    { return f.api, nil }

func TestCanonicalQuery_SortsKeys(t *testing.T) {
	got := CanonicalQuery(map[string]any{
		"zebra": "z", "alpha": "a", "mango": "m",
	})
	if got != "alpha=a&mango=m&zebra=z" {
		t.Errorf("Unexpected serialization: %s", got)
	}
}

func TestCanonicalQuery_NestedAndArrays(t *testing.T) {
	got := CanonicalQuery(map[string]any{
		"to_addresses": []string{"0xa", "0xb"},
		"meta": map[string]any{
			"type": "user_to_user",
			"name": "gift",
		},
		"nonce": int64(3),
	})
	want := "meta[name]=gift&meta[type]=user_to_user&nonce=3&to_addresses[]=0xa&to_addresses[]=0xb"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestCanonicalQuery_Scalars(t *testing.T) {
	got := CanonicalQuery(map[string]any{
		"b": true, "f": float64(1.5), "i": 7, "n": nil, "s": "x",
	})
	want := "b=true&f=1.5&i=7&n=&s=x"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestSigner_InjectsIdentityParams(t *testing.T) {
	keys := &fakeKeys{device: "0xdevice", api: "0xapikey"}
	s := NewSigner(keys, "user-1", "token-1", "OST1-PS")

	params := map[string]any{"spending_limit": "100"}
	if err := s.Sign("/users/user-1/sessions", params); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	for key, want := range map[string]string{
		"signature_kind":     "OST1-PS",
		"user_id":            "user-1",
		"token_id":           "token-1",
		"api_signer_address": "0xapikey",
		"wallet_address":     "0xdevice",
		"api_signature":      "0xsigned",
	} {
		if got, _ := params[key].(string); got != want {
			t.Errorf("Expected %s=%q, got %q", key, want, got)
		}
	}
	if _, ok := params["request_timestamp"]; !ok {
		t.Error("request_timestamp was not injected")
	}

	// The signed message is the resource plus the canonical query of
	// everything except the signature itself.
	if !strings.HasPrefix(keys.signed, "/users/user-1/sessions?") {
		t.Errorf("Signed message does not start with the resource: %s", keys.signed)
	}
	if strings.Contains(keys.signed, "api_signature") {
		t.Error("Signature must not cover itself")
	}
	if !strings.Contains(keys.signed, "spending_limit=100") {
		t.Error("Caller params missing from signed message")
	}
}

func TestSigner_KeepsExplicitParams(t *testing.T) {
	keys := &fakeKeys{device: "0xdevice", api: "0xapikey"}
	s := NewSigner(keys, "user-1", "token-1", "OST1-PS")

	params := map[string]any{
		"user_id":        "other-user",
		"wallet_address": "0xother",
	}
	if err := s.Sign("/tokens", params); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if params["user_id"] != "other-user" {
		t.Errorf("Explicit user_id was overwritten: %v", params["user_id"])
	}
	if params["wallet_address"] != "0xother" {
		t.Errorf("Explicit wallet_address was overwritten: %v", params["wallet_address"])
	}
}

func TestSigner_RequiresKeys(t *testing.T) {
	s := NewSigner(&fakeKeys{}, "user-1", "token-1", "OST1-PS")
	if err := s.Sign("/tokens", map[string]any{}); err == nil {
		t.Error("Expected error when device and API keys are absent")
	}
}

func TestIsSuccess(t *testing.T) {
	cases := []struct {
		value any
		want  bool
	}{
		{true, true},
		{false, false},
		{float64(1), true},
		{float64(0), false},
		{"true", true},
		{"false", false},
		{"0", false},
		{"", false},
		{"1", true},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isSuccess(map[string]any{"success": tc.value}); got != tc.want {
			t.Errorf("isSuccess(%v) = %v, expected %v", tc.value, got, tc.want)
		}
	}
	if isSuccess(map[string]any{}) {
		t.Error("Missing success flag must read as failure")
	}
}

func TestErrorFromResponse(t *testing.T) {
	err := errorFromResponse(map[string]any{
		"success": false,
		"err": map[string]any{
			"code":        "INVALID_PARAMS",
			"internal_id": "a_1",
			"msg":         "spending_limit is invalid",
		},
	})
	if err.Code != "INVALID_PARAMS" || err.InternalID != "a_1" {
		t.Errorf("Unexpected parse: %+v", err)
	}
	if !strings.Contains(err.Error(), "INVALID_PARAMS") {
		t.Errorf("Error string missing code: %s", err.Error())
	}

	// Malformed err payloads degrade to the unknown error
	err = errorFromResponse(map[string]any{"success": false})
	if err.Code != "UNKNOWN" {
		t.Errorf("Expected UNKNOWN code, got %s", err.Code)
	}
}
