package api

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// param is one flattened key-value pair of the canonical serialization.
type param struct {
	name  string
	value string
}

// MessageSigner signs the canonical request string with the API key.
type MessageSigner interface {
	SignMessageWithAPIKey(message string) (string, error)
	DeviceAddress() (string, error)
	APIAddress() (string, error)
}

// Signer mutates outgoing request params with the identity fields the
// platform requires and computes api_signature over the canonical
// serialization.
type Signer struct {
	keys          MessageSigner
	userID        string
	tokenID       string
	signatureKind string
}

// NewSigner creates a request signer for one user.
func NewSigner(keys MessageSigner, userID, tokenID, signatureKind string) *Signer {
	return &Signer{keys: keys, userID: userID, tokenID: tokenID, signatureKind: signatureKind}
}

// Sign injects the mandatory identity params and api_signature into params.
// The signed message is resource + "?" + the canonical query of every param
// present at signing time.
func (s *Signer) Sign(resource string, params map[string]any) error {
	deviceAddr, err := s.keys.DeviceAddress()
	if err != nil {
		return err
	}
	apiAddr, err := s.keys.APIAddress()
	if err != nil {
		return err
	}
	if deviceAddr == "" || apiAddr == "" {
		return fmt.Errorf("api: signing requires device and API keys")
	}

	if _, ok := params["signature_kind"]; !ok {
		params["signature_kind"] = s.signatureKind
	}
	if _, ok := params["request_timestamp"]; !ok {
		params["request_timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)
	}
	if _, ok := params["user_id"]; !ok {
		params["user_id"] = s.userID
	}
	if _, ok := params["token_id"]; !ok {
		params["token_id"] = s.tokenID
	}
	if _, ok := params["api_signer_address"]; !ok {
		params["api_signer_address"] = apiAddr
	}
	if _, ok := params["wallet_address"]; !ok {
		params["wallet_address"] = deviceAddr
	}

	message := resource + "?" + CanonicalQuery(params)
	signature, err := s.keys.SignMessageWithAPIKey(message)
	if err != nil {
		return fmt.Errorf("api: failed to sign request: %w", err)
	}
	params["api_signature"] = signature
	return nil
}

// CanonicalQuery serializes params deterministically: keys sorted
// lexicographically at every nesting level, array elements flattened under a
// "[]" suffix, nested map keys under a "[key]" suffix. The output is not
// percent-encoded; it is a signing preimage, not a transport encoding.
func CanonicalQuery(params map[string]any) string {
	flat := flattenParams("", params)
	parts := make([]string, len(flat))
	for i, p := range flat {
		parts[i] = p.name + "=" + p.value
	}
	return strings.Join(parts, "&")
}

func flattenParams(prefix string, value any) []param {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []param
		for _, k := range keys {
			childPrefix := k
			if prefix != "" {
				childPrefix = prefix + "[" + k + "]"
			}
			out = append(out, flattenParams(childPrefix, v[k])...)
		}
		return out
	case []any:
		var out []param
		for _, elem := range v {
			out = append(out, flattenParams(prefix+"[]", elem)...)
		}
		return out
	case []string:
		var out []param
		for _, elem := range v {
			out = append(out, flattenParams(prefix+"[]", elem)...)
		}
		return out
	default:
		return []param{{name: prefix, value: paramString(value)}}
	}
}

// paramString renders scalar values the way the server canonicalizes them.
func paramString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
