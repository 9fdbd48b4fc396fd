package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/tetherhq/tether/internal/commitment"
	"github.com/tetherhq/tether/internal/delivery"
	"github.com/tetherhq/tether/internal/retry"
)

// Supported oracle providers.
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

// Config selects and configures the LLM backing the oracle.
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string // used by ollama, optional for openai-compatible gateways
	MaxTokens int
}

// LLM implements both oracle interfaces on top of a langchaingo model.
type LLM struct {
	llm      llms.Model
	cfg      Config
	retryCfg retry.RetryConfig
}

// NewLLM builds the configured provider. The gemini client dials out
// during construction, so this takes a context.
func NewLLM(ctx context.Context, cfg Config) (*LLM, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel(cfg.Provider)
	}

	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case ProviderClaude:
		model, err = anthropic.New(anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model))
	case ProviderGemini:
		model, err = googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model))
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported oracle provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s oracle: %w", cfg.Provider, err)
	}

	log.Info().Str("provider", cfg.Provider).Str("model", cfg.Model).Msg("oracle initialized")

	return &LLM{
		llm:      model,
		cfg:      cfg,
		retryCfg: retry.OracleRetryConfig(),
	}, nil
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderClaude:
		return "claude-3-5-sonnet-latest"
	case ProviderOllama:
		return "llama3"
	default:
		return "gemini-1.5-flash"
	}
}

// DecideEngagement asks the model whether the character should reach out.
// A response that cannot be parsed is treated as a decision not to
// engage; a silent character is better than a glitched one.
func (o *LLM) DecideEngagement(ctx context.Context, ec EngagementContext) (delivery.Decision, error) {
	response, err := o.generate(ctx, engagementPrompt(ec))
	if err != nil {
		return delivery.Decision{}, fmt.Errorf("engagement decision failed: %w", err)
	}

	decision, err := parseDecision(response)
	if err != nil {
		log.Warn().Err(err).Str("user_id", ec.UserID).Msg("oracle returned malformed decision, declining engagement")
		return delivery.Decision{ShouldEngage: false}, nil
	}

	log.Debug().
		Str("user_id", ec.UserID).
		Bool("should_engage", decision.ShouldEngage).
		Float64("confidence", decision.Confidence).
		Msg("engagement decision")
	return decision, nil
}

// VerifySubmission asks the model to judge a commitment submission.
// Malformed responses degrade to not_verifiable rather than blocking
// the commitment forever.
func (o *LLM) VerifySubmission(ctx context.Context, sub Submission) (Verdict, error) {
	response, err := o.generate(ctx, verificationPrompt(sub))
	if err != nil {
		return Verdict{}, fmt.Errorf("submission verification failed: %w", err)
	}

	verdict, err := parseVerdict(response)
	if err != nil {
		log.Warn().Err(err).Str("commitment_id", sub.CommitmentID).Msg("oracle returned malformed verdict")
		return Verdict{
			Outcome:   commitment.OutcomeNotVerifiable,
			Reasoning: "the verification response could not be interpreted",
		}, nil
	}
	return verdict, nil
}

func (o *LLM) generate(ctx context.Context, prompt string) (string, error) {
	var response string
	result := retry.RetryWithBackoff(ctx, o.retryCfg, func() error {
		var opts []llms.CallOption
		if o.cfg.MaxTokens > 0 {
			opts = append(opts, llms.WithMaxTokens(o.cfg.MaxTokens))
		}
		out, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt, opts...)
		if err != nil {
			return err
		}
		response = out
		return nil
	})
	if !result.Success {
		return "", result.LastError
	}
	return response, nil
}

// decisionWire is the JSON shape the prompt asks the model for. Flat on
// purpose: nested timing objects get mangled far more often.
type decisionWire struct {
	ShouldEngage bool    `json:"shouldEngage"`
	Timing       string  `json:"timing"` // "immediate" or "delayed"
	DelaySeconds int     `json:"delaySeconds"`
	Content      string  `json:"content"`
	Confidence   float64 `json:"confidence"`
}

func parseDecision(response string) (delivery.Decision, error) {
	var wire decisionWire
	if err := unmarshalLoose(response, &wire); err != nil {
		return delivery.Decision{}, err
	}

	if !wire.ShouldEngage {
		return delivery.Decision{ShouldEngage: false}, nil
	}
	if strings.TrimSpace(wire.Content) == "" {
		return delivery.Decision{}, fmt.Errorf("engagement decision has no content")
	}

	decision := delivery.Decision{
		ShouldEngage: true,
		Content:      wire.Content,
		Confidence:   clampConfidence(wire.Confidence),
	}
	switch wire.Timing {
	case "immediate", "":
		decision.Timing = delivery.Immediate()
	case "delayed":
		if wire.DelaySeconds <= 0 {
			return delivery.Decision{}, fmt.Errorf("delayed timing with delaySeconds=%d", wire.DelaySeconds)
		}
		decision.Timing = delivery.DelayedBy(wire.DelaySeconds)
	default:
		return delivery.Decision{}, fmt.Errorf("unknown timing %q", wire.Timing)
	}
	return decision, nil
}

type verdictWire struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
}

func parseVerdict(response string) (Verdict, error) {
	var wire verdictWire
	if err := unmarshalLoose(response, &wire); err != nil {
		return Verdict{}, err
	}

	outcome := commitment.Outcome(wire.Decision)
	if !outcome.Valid() {
		return Verdict{}, fmt.Errorf("unknown verification decision %q", wire.Decision)
	}
	return Verdict{Outcome: outcome, Reasoning: wire.Reasoning}, nil
}

// unmarshalLoose extracts the JSON object from an LLM response and
// decodes it, running the text through jsonrepair when a straight
// unmarshal fails. Models wrap JSON in code fences, leave trailing
// commas, and occasionally stop mid-string; jsonrepair handles the
// usual damage.
func unmarshalLoose(response string, v any) error {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return fmt.Errorf("no JSON object in response")
	}

	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(jsonStr)
		if repairErr != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), v); err != nil {
			return fmt.Errorf("failed to parse repaired response: %w", err)
		}
		log.Debug().Int("original_bytes", len(jsonStr)).Int("repaired_bytes", len(repaired)).Msg("repaired malformed oracle JSON")
	}
	return nil
}

// extractJSON pulls the outermost JSON object out of a response that
// may be wrapped in prose or markdown code fences. A truncated object
// with no closing brace is returned as-is so jsonrepair can close it.
func extractJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}
	end := strings.LastIndex(response, "}")
	if end <= start {
		return strings.TrimSpace(response[start:])
	}
	return response[start : end+1]
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
