// Package walletkit is an embeddable wallet SDK core: it manages a user's
// device, API and session keys inside an encrypted vault, signs requests and
// chain payloads with them, and drives the multi-step workflows (user
// activation, device authorization, session provisioning, transaction
// execution, device recovery) against the platform API.
//
// The host application opens one SDK, obtains a per-user Wallet handle and
// consumes workflow events from a single channel:
//
//	sdk, err := walletkit.New(cfg, "/data/wallet.db", "com.example.app", nil)
//	wallet := sdk.Wallet(userID, tokenID)
//	ref, err := wallet.AddSession(ctx, "1000000000000000000", 100000)
//	for ev := range sdk.Events() {
//		switch e := ev.(type) {
//		case workflow.NeedPin:
//			e.Responder.Submit(pin, passphrasePrefix)
//		case workflow.FlowComplete:
//			// done
//		case workflow.FlowInterrupted:
//			// e.Err carries kind, code and message
//		}
//	}
//
// UI concerns (screens, QR image rendering, biometric prompts) stay in the
// host; the SDK only produces and consumes opaque payload strings.
package walletkit
