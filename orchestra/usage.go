package orchestra

import (
	"sync"
	"time"
)

// ModelPricing holds a model's cost per million tokens, in USD.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing covers the models the bundled adapters default to.
// Unknown models record zero cost but still count tokens.
var defaultPricing = map[string]ModelPricing{
	"claude-3-5-sonnet-20241022": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-haiku-20240307":    {InputPerMTok: 0.25, OutputPerMTok: 1.25},
	"gpt-4o":                     {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":                {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gemini-1.5-flash":           {InputPerMTok: 0.075, OutputPerMTok: 0.30},
	"gemini-1.5-pro":             {InputPerMTok: 1.25, OutputPerMTok: 5.00},
}

// ModelCall is one recorded LLM invocation, attributed to the agent that
// made it.
type ModelCall struct {
	Agent     string    `json:"agent"`
	Model     string    `json:"model"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
	At        time.Time `json:"at"`
}

// UsageTracker accumulates model-call accounting. The engine keeps one per
// turn to populate agent_end metadata and the envelope metrics; an
// additional shared tracker can be installed with WithUsageTracker for
// cross-turn accounting.
type UsageTracker struct {
	mu      sync.Mutex
	pricing map[string]ModelPricing
	calls   []ModelCall
	now     Clock
}

// NewUsageTracker returns a tracker priced from the built-in table.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{pricing: defaultPricing, now: time.Now}
}

// SetPricing overrides the price for one model.
func (u *UsageTracker) SetPricing(modelName string, p ModelPricing) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pricing == nil {
		u.pricing = make(map[string]ModelPricing)
	} else {
		// Copy-on-write so the package-level default table stays shared.
		fresh := make(map[string]ModelPricing, len(u.pricing)+1)
		for k, v := range u.pricing {
			fresh[k] = v
		}
		u.pricing = fresh
	}
	u.pricing[modelName] = p
}

// SetClock overrides the timestamp source.
func (u *UsageTracker) SetClock(clock Clock) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if clock != nil {
		u.now = clock
	}
}

// Record registers one model call made by the named agent.
func (u *UsageTracker) Record(agent, modelName string, tokensIn, tokensOut int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	price := u.pricing[modelName]
	cost := float64(tokensIn)/1e6*price.InputPerMTok + float64(tokensOut)/1e6*price.OutputPerMTok
	u.calls = append(u.calls, ModelCall{
		Agent:     agent,
		Model:     modelName,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   cost,
		At:        u.now(),
	})
}

// TotalTokens returns the input plus output token count across all calls.
func (u *UsageTracker) TotalTokens() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, c := range u.calls {
		total += c.TokensIn + c.TokensOut
	}
	return total
}

// TotalCost returns the accumulated cost in USD.
func (u *UsageTracker) TotalCost() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0.0
	for _, c := range u.calls {
		total += c.CostUSD
	}
	return total
}

// AgentUsage returns the token count and cost attributed to one agent.
func (u *UsageTracker) AgentUsage(agent string) (tokens int, cost float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range u.calls {
		if c.Agent == agent {
			tokens += c.TokensIn + c.TokensOut
			cost += c.CostUSD
		}
	}
	return tokens, cost
}

// Calls returns a copy of the recorded calls in order.
func (u *UsageTracker) Calls() []ModelCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]ModelCall, len(u.calls))
	copy(out, u.calls)
	return out
}

// Reset clears the recorded calls, keeping pricing.
func (u *UsageTracker) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = nil
}
