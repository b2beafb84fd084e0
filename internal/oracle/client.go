package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/common/config"
	"github.com/enruana/claude-orka-sub000/internal/common/constants"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
)

// textCompleter is the single model call the oracle makes. Tests swap it
// for a canned implementation.
type textCompleter interface {
	complete(ctx context.Context, system, user string) (string, error)
}

// Client is the Anthropic-backed Oracle.
type Client struct {
	completer textCompleter
	timeout   time.Duration
	log       *logger.Logger
}

var _ Oracle = (*Client)(nil)

// NewClient builds the oracle from configuration. The config loader binds
// the API key from ANTHROPIC_API_KEY when the file leaves it empty.
func NewClient(cfg config.OracleConfig, log *logger.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("oracle api key not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("oracle model not configured")
	}

	timeout := cfg.Timeout()
	if timeout <= 0 || timeout > constants.OracleTimeout {
		timeout = constants.OracleTimeout
	}

	return &Client{
		completer: &sdkCompleter{
			client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
			model:     cfg.Model,
			maxTokens: int64(cfg.MaxTokens),
		},
		timeout: timeout,
		log:     log,
	}, nil
}

// Decide runs one stateless consultation. Transport failures come back
// wrapped in ErrUnavailable; schema and validation failures come back as
// plain errors. Either way the decision is nil and the caller falls back.
func (c *Client) Decide(ctx context.Context, in Input) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.completer.complete(ctx, buildSystemPrompt(in), buildUserPrompt(in))
	if err != nil {
		c.log.Warn("Oracle call failed",
			zap.String("trigger", in.TriggerLabel),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	decision, err := parseDecision(raw)
	if err != nil {
		c.log.Warn("Oracle reply rejected",
			zap.String("trigger", in.TriggerLabel),
			zap.Error(err))
		return nil, err
	}

	c.log.Debug("Oracle decision",
		zap.String("trigger", in.TriggerLabel),
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason))
	return decision, nil
}

// sdkCompleter calls the Anthropic Messages API and concatenates the text
// blocks of the reply.
type sdkCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func (s *sdkCompleter) complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(s.model),
		MaxTokens:   s.maxTokens,
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
