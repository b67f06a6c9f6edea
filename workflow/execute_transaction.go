package workflow

import (
	"context"
	"math/big"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/walletkit/entity"
	"github.com/mesmerverse/walletkit/keys"
)

// Rule names the token contracts expose.
const (
	RuleDirectTransfer = "Direct Transfer"
	RulePricer         = "Pricer"
)

// ExecuteTransaction runs a token transfer through the token holder: it
// resolves the target rule, computes the transfer value, picks an eligible
// session key, signs the rule execution and submits it, then polls the
// transaction to SUCCESS or FAILED.
type ExecuteTransaction struct {
	base

	ruleName    string
	toAddresses []string
	amounts     []string
	meta        map[string]string

	user   entity.User
	device entity.Device
}

// NewExecuteTransaction creates the flow. amounts are token wei for
// Direct Transfer and fiat wei for Pricer.
func NewExecuteTransaction(deps *Deps, ruleName string, toAddresses, amounts []string, meta map[string]string) *ExecuteTransaction {
	return &ExecuteTransaction{
		base:        newBase(deps),
		ruleName:    ruleName,
		toAddresses: toAddresses,
		amounts:     amounts,
		meta:        meta,
	}
}

func (w *ExecuteTransaction) Kind() Kind { return KindExecuteTransaction }

func (w *ExecuteTransaction) ValidateParams() error {
	switch strings.ToUpper(w.ruleName) {
	case strings.ToUpper(RuleDirectTransfer), strings.ToUpper(RulePricer):
	default:
		return invalidInput(CodeRuleNotFound, "rule %q is not executable", w.ruleName)
	}
	if len(w.toAddresses) == 0 || len(w.toAddresses) != len(w.amounts) {
		return invalidInput("INVALID_TRANSFER", "addresses and amounts must pair up")
	}
	for _, addr := range w.toAddresses {
		if !keys.IsValidAddress(addr) {
			return invalidInput("INVALID_ADDRESS", "%q is not a valid address", addr)
		}
	}
	for _, amount := range w.amounts {
		if _, err := parseAmount(amount); err != nil {
			return err
		}
	}
	return nil
}

func (w *ExecuteTransaction) Prepare(ctx context.Context) error {
	user, err := w.loadUser(ctx)
	if err != nil {
		return err
	}
	device, err := w.loadCurrentDevice(ctx)
	if err != nil {
		return err
	}
	v := w.validator()
	if err := v.UserActivated(user); err != nil {
		return err
	}
	if err := v.DeviceAuthorized(device); err != nil {
		return err
	}
	w.user = user
	w.device = device
	return nil
}

func (w *ExecuteTransaction) Process(ctx context.Context) (*entity.Entity, error) {
	rule, err := w.resolveRule(ctx)
	if err != nil {
		return nil, err
	}

	var (
		value    *big.Int
		calldata string
		raw      string
	)
	switch strings.ToUpper(w.ruleName) {
	case strings.ToUpper(RulePricer):
		value, calldata, raw, err = w.buildPay(ctx)
	default:
		value, calldata, raw, err = w.buildDirectTransfer()
	}
	if err != nil {
		return nil, err
	}

	session, err := w.selectSession(ctx, value)
	if err != nil {
		return nil, err
	}

	nonce := session.Nonce()
	hash, err := transactionHash(w.user.TokenHolderAddress(), rule.Address(), calldata, nonce)
	if err != nil {
		return nil, err
	}
	signature, err := w.deps.Keys.SignHashWithSessionKey(session.Address(), hash)
	if err != nil {
		return nil, err
	}
	w.bumpSessionNonce(session)

	acked, err := w.deps.API.ExecuteTransaction(ctx, map[string]any{
		"to":            rule.Address(),
		"raw_calldata":  raw,
		"calldata":      calldata,
		"nonce":         strconv.FormatInt(nonce, 10),
		"signer":        session.Address(),
		"signature":     signature,
		"meta_property": metaAsAny(w.meta),
	})
	if err != nil {
		// A rejected submit usually means nonce desync; refresh the
		// sessions so the next attempt starts from server truth.
		w.refreshSessions(ctx)
		return nil, err
	}
	w.acknowledged(acked)

	settled, err := w.poller(1).WaitForStatus(ctx,
		func(ctx context.Context) (*entity.Entity, error) {
			return w.deps.API.Transaction(ctx, acked.ID())
		},
		entity.TransactionStatusSuccess, entity.TransactionStatusFailed)
	if err != nil {
		w.refreshSessions(ctx)
		return nil, err
	}
	return settled, nil
}

// resolveRule finds the rule by name in the repository, refetching the
// token's rules once when absent.
func (w *ExecuteTransaction) resolveRule(ctx context.Context) (entity.Rule, error) {
	if rule, ok := w.ruleFromRepo(); ok {
		return rule, nil
	}
	if _, err := w.deps.API.Rules(ctx); err != nil {
		return entity.Rule{}, err
	}
	if rule, ok := w.ruleFromRepo(); ok {
		return rule, nil
	}
	return entity.Rule{}, entityNotFound(CodeRuleNotFound, "rule %q is not known to the token", w.ruleName)
}

func (w *ExecuteTransaction) ruleFromRepo() (entity.Rule, bool) {
	for _, e := range w.deps.Repo.GetByParentID(entity.KindRule, w.deps.TokenID) {
		rule := entity.AsRule(e)
		if strings.EqualFold(rule.Name(), w.ruleName) {
			return rule, true
		}
	}
	return entity.Rule{}, false
}

func (w *ExecuteTransaction) buildDirectTransfer() (*big.Int, string, string, error) {
	total := new(big.Int)
	amounts := make([]*big.Int, 0, len(w.amounts))
	for _, amount := range w.amounts {
		v, err := parseAmount(amount)
		if err != nil {
			return nil, "", "", err
		}
		amounts = append(amounts, v)
		total.Add(total, v)
	}
	calldata, err := encodeDirectTransfers(w.toAddresses, amounts)
	if err != nil {
		return nil, "", "", err
	}
	raw, err := rawCalldata("directTransfers", w.toAddresses, w.amounts)
	if err != nil {
		return nil, "", "", err
	}
	return total, calldata, raw, nil
}

func (w *ExecuteTransaction) buildPay(ctx context.Context) (*big.Int, string, string, error) {
	token, err := w.loadToken(ctx)
	if err != nil {
		return nil, "", "", err
	}
	pricePoint, decimals, err := w.fetchPricePoint(ctx, token)
	if err != nil {
		return nil, "", "", err
	}

	total := new(big.Int)
	amounts := make([]*big.Int, 0, len(w.amounts))
	for _, amount := range w.amounts {
		fiat, err := parseAmount(amount)
		if err != nil {
			return nil, "", "", err
		}
		amounts = append(amounts, fiat)
		tokenWei, err := fiatToTokenWei(fiat, token.ConversionFactor(), token.Decimals(), pricePoint)
		if err != nil {
			return nil, "", "", err
		}
		total.Add(total, tokenWei)
	}

	priceWei, err := decimalToWei(pricePoint, decimals)
	if err != nil {
		return nil, "", "", err
	}
	currency := w.deps.Config.PricePoint.CurrencySymbol
	calldata, err := encodePay(w.user.TokenHolderAddress(), w.toAddresses, amounts, currency, priceWei)
	if err != nil {
		return nil, "", "", err
	}
	raw, err := rawCalldata("pay",
		w.user.TokenHolderAddress(), w.toAddresses, w.amounts, currency, priceWei.String())
	if err != nil {
		return nil, "", "", err
	}
	return total, calldata, raw, nil
}

// fetchPricePoint returns the fiat price of the base token and the fiat
// currency's decimal width.
func (w *ExecuteTransaction) fetchPricePoint(ctx context.Context, token entity.Token) (string, int64, error) {
	points, err := w.deps.API.PricePoints(ctx, token.AuxiliaryChainID())
	if err != nil {
		return "", 0, err
	}
	baseSymbol := w.deps.Config.PricePoint.TokenSymbol
	entry, ok := points[baseSymbol].(map[string]any)
	if !ok {
		return "", 0, entityNotFound("PRICE_POINT_NOT_FOUND", "no price point for %s", baseSymbol)
	}
	currency := w.deps.Config.PricePoint.CurrencySymbol
	price, ok := priceString(entry[currency])
	if !ok {
		return "", 0, entityNotFound("PRICE_POINT_NOT_FOUND", "no %s price for %s", currency, baseSymbol)
	}
	decimals, ok := entry["decimals"].(float64)
	if !ok {
		return "", 0, entityNotFound("PRICE_POINT_NOT_FOUND", "price point has no decimals")
	}
	return price, int64(decimals), nil
}

func priceString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

// selectSession picks an authorized session that is not expired and whose
// spending limit covers value. Expired sessions are pruned from the vault on
// the way through.
func (w *ExecuteTransaction) selectSession(ctx context.Context, value *big.Int) (entity.Session, error) {
	token, err := w.loadToken(ctx)
	if err != nil {
		return entity.Session{}, err
	}
	height, err := w.deps.API.CurrentBlockHeight(ctx, token.AuxiliaryChainID())
	if err != nil {
		return entity.Session{}, err
	}

	addresses, err := w.deps.Keys.SessionAddresses()
	if err != nil {
		return entity.Session{}, err
	}
	for _, addr := range addresses {
		e := w.deps.Repo.GetByID(entity.KindSession, addr)
		if e == nil {
			continue
		}
		session := entity.AsSession(e)
		if !session.IsAuthorized() {
			continue
		}
		if session.ExpirationHeight() <= height {
			if err := w.deps.Keys.DeleteSessionKey(addr); err != nil {
				log.Debug().Str("session", addr).Err(err).Msg("Failed to prune expired session key")
			}
			w.deps.Repo.Delete(entity.KindSession, addr)
			continue
		}
		limit, err := parseAmount(session.SpendingLimit())
		if err != nil {
			continue
		}
		if limit.Cmp(value) >= 0 {
			return session, nil
		}
	}
	return entity.Session{}, entityNotFound(CodeSessionNotFound,
		"no active session can spend %s", value.String())
}

// bumpSessionNonce advances the local nonce optimistically so a second
// transaction does not reuse it while the first is in flight. The entity
// keeps its server timestamp untouched.
func (w *ExecuteTransaction) bumpSessionNonce(session entity.Session) {
	data := make(map[string]any, len(session.Data())+1)
	for k, v := range session.Data() {
		data[k] = v
	}
	data["nonce"] = session.Nonce() + 1
	if _, err := w.deps.Repo.Replace(entity.KindSession, data); err != nil {
		log.Debug().Str("session", session.Address()).Err(err).Msg("Failed to bump session nonce")
	}
}

// refreshSessions refetches every stored session from the server. The local
// copies are dropped first: they may carry an optimistic nonce under an
// unchanged server timestamp, which the merge would otherwise keep.
func (w *ExecuteTransaction) refreshSessions(ctx context.Context) {
	addresses, err := w.deps.Keys.SessionAddresses()
	if err != nil {
		return
	}
	for _, addr := range addresses {
		w.deps.Repo.Delete(entity.KindSession, addr)
		if _, err := w.deps.API.Session(ctx, addr); err != nil {
			log.Debug().Str("session", addr).Err(err).Msg("Session refresh failed")
		}
	}
}

func metaAsAny(meta map[string]string) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
