package witness

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Policy constants of the signed witness network
const (
	DefaultChargebackSafetyPeriod   = 30 * 24 * time.Hour
	DefaultMaxChainDepth            = 1000
	DefaultMaxLinksVisited          = 20000
	DefaultMinTradeAmountForSigning = 250_000 // 0.0025 BTC in satoshi
	DefaultSignatureCacheSize       = 10_000
)

// Policy bounds chain validation and signing.
type Policy struct {
	// ChargebackSafetyPeriod is the minimum age of a witness relative to the witness
	// depending on it, or to the validation time for the witness being validated.
	ChargebackSafetyPeriod time.Duration
	// MaxChainDepth is the longest accepted chain, counted in witnesses including the root.
	MaxChainDepth int
	// MaxLinksVisited caps the link evaluations spent on each candidate witness of
	// a validation call.
	MaxLinksVisited int
	// MinTradeAmountForSigning is the smallest trade a trader may sign a witness for.
	MinTradeAmountForSigning int64
}

// DefaultPolicy returns the network's policy.
func DefaultPolicy() Policy {
	return Policy{
		ChargebackSafetyPeriod:   DefaultChargebackSafetyPeriod,
		MaxChainDepth:            DefaultMaxChainDepth,
		MaxLinksVisited:          DefaultMaxLinksVisited,
		MinTradeAmountForSigning: DefaultMinTradeAmountForSigning,
	}
}

// Validate rejects policies that would make every chain untrusted or unbounded.
func (p Policy) Validate() error {
	if p.ChargebackSafetyPeriod < 0 {
		return errors.New("chargeback safety period must not be negative")
	}
	if p.MaxChainDepth < 1 {
		return errors.New("max chain depth must be at least 1")
	}
	if p.MaxLinksVisited < 1 {
		return errors.New("max links visited must be at least 1")
	}
	if p.MinTradeAmountForSigning < 0 {
		return errors.New("min trade amount for signing must not be negative")
	}
	return nil
}

// Index is the read side of the witness store used by the validator.
type Index interface {
	CandidatesFor(accountHash []byte) []SignedWitness
	CandidatesOwnedBy(pubKey []byte) []SignedWitness
}

// Verdict is the outcome of a validation call.
type Verdict struct {
	Trusted bool `json:"trusted"`
	// ChainLength counts the witnesses of the accepted chain, root included.
	ChainLength     int  `json:"chainLength"`
	LinksVisited    int  `json:"linksVisited"`
	BudgetExhausted bool `json:"budgetExhausted"`
}

// Validator decides whether an account age witness is backed by a valid chain of
// signed witnesses ending at a recognised arbitrator.
type Validator struct {
	index       Index
	arbitrators ArbitratorRegistry
	policy      Policy
	now         func() time.Time
	logger      *slog.Logger
	cacheSize   int
	sigCache    *lru.Cache[string, bool]
}

// Option configures a Validator.
type Option func(*Validator)

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(v *Validator) {
		v.policy = p
	}
}

// WithClock overrides the validation time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// WithLogger sets the logger for rejected links and verdicts.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithSignatureCacheSize sets the number of memoised signature results; 0 disables the cache.
func WithSignatureCacheSize(n int) Option {
	return func(v *Validator) {
		v.cacheSize = n
	}
}

// NewValidator returns a validator over index trusting roots recognised by arbitrators.
func NewValidator(index Index, arbitrators ArbitratorRegistry, opts ...Option) (*Validator, error) {
	if index == nil {
		return nil, fmt.Errorf("witness index is required")
	}
	if arbitrators == nil {
		return nil, fmt.Errorf("arbitrator registry is required")
	}

	v := &Validator{
		index:       index,
		arbitrators: arbitrators,
		policy:      DefaultPolicy(),
		now:         time.Now,
		logger:      slog.New(slog.DiscardHandler),
		cacheSize:   DefaultSignatureCacheSize,
	}
	for _, opt := range opts {
		opt(v)
	}

	if err := v.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if v.cacheSize > 0 {
		cache, err := lru.New[string, bool](v.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create signature cache: %w", err)
		}
		v.sigCache = cache
	}
	return v, nil
}

// Policy returns the policy the validator enforces.
func (v *Validator) Policy() Policy {
	return v.policy
}

// IsTrusted reports whether at least one chain of valid witnesses links aew to a
// recognised arbitrator within the policy bounds.
func (v *Validator) IsTrusted(aew AccountAgeWitness) bool {
	return v.Evaluate(aew).Trusted
}

// Evaluate is IsTrusted with traversal statistics.
func (v *Validator) Evaluate(aew AccountAgeWitness) Verdict {
	var verdict Verdict
	if len(aew.Hash) == 0 {
		return verdict
	}

	w := &walk{
		v:    v,
		now:  v.now().UnixMilli(),
		dead: make(map[string]int64),
	}
	for _, sw := range rootsFirst(v.index.CandidatesFor(aew.Hash)) {
		if n := w.chainFrom(sw); n > 0 {
			verdict.Trusted = true
			verdict.ChainLength = n
			break
		}
		if w.exhausted {
			verdict.BudgetExhausted = true
		}
	}
	verdict.LinksVisited = w.visited
	if verdict.Trusted {
		verdict.BudgetExhausted = false
	}

	v.logger.Debug("Evaluated account age witness",
		"accountHash", aew.Hash.String(),
		"trusted", verdict.Trusted,
		"chainLength", verdict.ChainLength,
		"linksVisited", verdict.LinksVisited,
		"budgetExhausted", verdict.BudgetExhausted)
	return verdict
}

// VerifiedWitnessDates returns the sorted dates of all witnesses for aew whose
// signature verifies, regardless of chain validity.
func (v *Validator) VerifiedWitnessDates(aew AccountAgeWitness) []int64 {
	dates := []int64{}
	for _, sw := range v.index.CandidatesFor(aew.Hash) {
		if v.verifySignature(sw) {
			dates = append(dates, sw.Date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })
	return dates
}

// ArbitratorSignedWitnesses returns the signature-valid root witnesses for aew
// whose signer is a recognised arbitrator.
func (v *Validator) ArbitratorSignedWitnesses(aew AccountAgeWitness) []SignedWitness {
	return v.filterCandidates(aew, func(sw SignedWitness) bool {
		return sw.SignedByArbitrator && v.arbitrators.IsArbitratorKey(sw.SignerPubKey)
	})
}

// TrustedPeerSignedWitnesses returns the signature-valid witnesses for aew signed by traders.
func (v *Validator) TrustedPeerSignedWitnesses(aew AccountAgeWitness) []SignedWitness {
	return v.filterCandidates(aew, func(sw SignedWitness) bool {
		return !sw.SignedByArbitrator
	})
}

func (v *Validator) filterCandidates(aew AccountAgeWitness, keep func(SignedWitness) bool) []SignedWitness {
	result := []SignedWitness{}
	for _, sw := range v.index.CandidatesFor(aew.Hash) {
		if keep(sw) && v.verifySignature(sw) {
			result = append(result, sw)
		}
	}
	return result
}

func (v *Validator) verifySignature(sw SignedWitness) bool {
	if v.sigCache == nil {
		return VerifyWitness(sw)
	}
	id := sw.ID()
	if ok, found := v.sigCache.Get(id); found {
		return ok
	}
	ok := VerifyWitness(sw)
	v.sigCache.Add(id, ok)
	return ok
}

// rootsFirst returns candidates with arbitrator witnesses moved to the front,
// keeping the date order within each group.
func rootsFirst(candidates []SignedWitness) []SignedWitness {
	ordered := make([]SignedWitness, 0, len(candidates))
	for _, sw := range candidates {
		if sw.SignedByArbitrator {
			ordered = append(ordered, sw)
		}
	}
	for _, sw := range candidates {
		if !sw.SignedByArbitrator {
			ordered = append(ordered, sw)
		}
	}
	return ordered
}

// walk is the traversal state of one validation call. The link budget is reset
// for every candidate; dead signers are shared across candidates.
type walk struct {
	v   *Validator
	now int64

	// dead maps a signer key to the latest dependent date for which no chain
	// exists through witnesses owned by that key.
	dead map[string]int64

	visited   int
	budget    int
	exhausted bool
}

// frame is a non-root witness on the current path with its untried predecessors.
// A frame is tainted when its search skipped a predecessor for reasons that depend
// on the path, so its failure says nothing about its signer in general.
type frame struct {
	witness SignedWitness
	parents []SignedWitness
	next    int
	tainted bool
}

// chainFrom walks backwards from start towards a root and returns the length of
// the first valid chain found, or 0.
func (w *walk) chainFrom(start SignedWitness) int {
	w.budget = w.v.policy.MaxLinksVisited
	w.exhausted = false

	if !start.SignedByArbitrator && w.isDead(start) {
		return 0
	}
	if !w.acceptLink(start, w.now) {
		return 0
	}
	if start.SignedByArbitrator {
		return w.acceptRoot(start, 1)
	}
	if w.v.policy.MaxChainDepth < 2 {
		return 0
	}

	// Keys of every signer and owner on the current path. A predecessor signed by a
	// key already on the path would close a cycle.
	path := make(map[string]int)
	stack := []*frame{w.enter(start, path)}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next == len(top.parents) {
			w.leave(top, path)
			stack = stack[:len(stack)-1]
			if top.tainted && len(stack) > 0 {
				stack[len(stack)-1].tainted = true
			}
			continue
		}

		parent := top.parents[top.next]
		top.next++

		if path[hex.EncodeToString(parent.SignerPubKey)] > 0 {
			top.tainted = true
			continue
		}
		if !parent.SignedByArbitrator && w.isDead(parent) {
			continue
		}
		if !w.acceptLink(parent, top.witness.Date) {
			if w.exhausted {
				return 0
			}
			continue
		}
		if parent.SignedByArbitrator {
			if n := w.acceptRoot(parent, len(stack)+1); n > 0 {
				return n
			}
			continue
		}
		// the pushed witness still needs a root above it
		if len(stack)+2 > w.v.policy.MaxChainDepth {
			top.tainted = true
			continue
		}
		stack = append(stack, w.enter(parent, path))
	}
	return 0
}

// isDead reports whether a search for predecessors of sw already failed for a
// dependent date at least as late as sw's.
func (w *walk) isDead(sw SignedWitness) bool {
	date, ok := w.dead[hex.EncodeToString(sw.SignerPubKey)]
	return ok && sw.Date <= date
}

// acceptLink checks the budget, the chargeback safety period relative to the
// dependent date, and the signature.
func (w *walk) acceptLink(sw SignedWitness, childDate int64) bool {
	if w.budget <= 0 {
		w.exhausted = true
		return false
	}
	w.budget--
	w.visited++

	if childDate-sw.Date < w.v.policy.ChargebackSafetyPeriod.Milliseconds() {
		w.v.logger.Debug("Rejected witness inside chargeback safety period",
			"witnessId", sw.ID(),
			"date", sw.Date,
			"childDate", childDate)
		return false
	}
	if !w.v.verifySignature(sw) {
		w.v.logger.Debug("Rejected witness with invalid signature",
			"witnessId", sw.ID(),
			"scheme", sw.Scheme().String())
		return false
	}
	return true
}

func (w *walk) acceptRoot(sw SignedWitness, chainLength int) int {
	if !w.v.arbitrators.IsArbitratorKey(sw.SignerPubKey) {
		w.v.logger.Debug("Rejected root witness from unknown arbitrator",
			"witnessId", sw.ID(),
			"signer", sw.SignerPubKey.String())
		return 0
	}
	return chainLength
}

func (w *walk) enter(sw SignedWitness, path map[string]int) *frame {
	path[hex.EncodeToString(sw.SignerPubKey)]++
	path[hex.EncodeToString(sw.WitnessOwnerPubKey)]++
	return &frame{
		witness: sw,
		parents: w.v.index.CandidatesOwnedBy(sw.SignerPubKey),
	}
}

func (w *walk) leave(f *frame, path map[string]int) {
	sw := f.witness
	signer := hex.EncodeToString(sw.SignerPubKey)
	if date, ok := w.dead[signer]; !f.tainted && (!ok || sw.Date > date) {
		w.dead[signer] = sw.Date
	}
	for _, k := range []string{signer, hex.EncodeToString(sw.WitnessOwnerPubKey)} {
		if path[k] <= 1 {
			delete(path, k)
		} else {
			path[k]--
		}
	}
}
