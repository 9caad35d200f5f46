package ai

import (
	"context"
	"io"
	"strings"
	"sync"

	"flowchat/internal/config"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownProvider    = errors.New("provider not configured")
	ErrProviderIncomplete = errors.New("provider configuration incomplete")
	ErrToolsUnsupported   = errors.New("model does not support tool calling")
)

// StreamRequest is one streaming completion. Tools may be empty.
type StreamRequest struct {
	Provider      string
	Model         string
	Messages      []*schema.Message
	Tools         []tool.BaseTool
	MaxToolRounds int
}

// Service resolves configured providers to eino chat models and streams
// completions from them.
type Service struct {
	providers map[string]config.ProviderConfig
	factory   ModelFactory

	mu     sync.Mutex
	models map[string]model.ToolCallingChatModel
}

type Option func(*Service)

func WithModelFactory(f ModelFactory) Option {
	return func(s *Service) {
		if f != nil {
			s.factory = f
		}
	}
}

func NewService(providers map[string]config.ProviderConfig, opts ...Option) *Service {
	s := &Service{
		providers: providers,
		factory:   NewChatModel,
		models:    make(map[string]model.ToolCallingChatModel),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check reports whether provider is usable for model.
func (s *Service) Check(provider, modelName string) error {
	p, ok := s.providers[provider]
	if !ok {
		return errors.Wrapf(ErrUnknownProvider, "%q", provider)
	}
	kind := p.KindOf(provider)
	if !knownKind(kind) {
		return errors.Wrapf(ErrUnknownProvider, "kind %q", kind)
	}
	switch kind {
	case KindOpenAI:
		if p.BaseURL == "" && p.APIKey == "" {
			return errors.Wrapf(ErrProviderIncomplete, "%s needs base_url or api_key", provider)
		}
	default:
		if p.APIKey == "" {
			return errors.Wrapf(ErrProviderIncomplete, "%s needs api_key", provider)
		}
	}
	if modelName == "" && p.Model == "" {
		return errors.Wrapf(ErrProviderIncomplete, "%s has no model", provider)
	}
	return nil
}

// DefaultModel returns the model configured on the provider.
func (s *Service) DefaultModel(provider string) string {
	return s.providers[provider].Model
}

func (s *Service) SupportsTools(provider, modelName string) bool {
	p, ok := s.providers[provider]
	if !ok {
		return false
	}
	return p.SupportsTools(modelName)
}

func (s *Service) chatModel(ctx context.Context, provider, modelName string) (model.ToolCallingChatModel, error) {
	if err := s.Check(provider, modelName); err != nil {
		return nil, err
	}
	key := provider + "/" + modelName
	s.mu.Lock()
	defer s.mu.Unlock()
	if cm, ok := s.models[key]; ok {
		return cm, nil
	}
	cm, err := s.factory(ctx, provider, s.providers[provider], modelName)
	if err != nil {
		return nil, err
	}
	s.models[key] = cm
	return cm, nil
}

// Stream opens a completion stream. With tools it runs a react agent bounded
// to MaxToolRounds tool rounds; the returned stream carries the final answer.
func (s *Service) Stream(ctx context.Context, req StreamRequest) (*schema.StreamReader[*schema.Message], error) {
	cm, err := s.chatModel(ctx, req.Provider, req.Model)
	if err != nil {
		return nil, err
	}

	if len(req.Tools) == 0 || !s.SupportsTools(req.Provider, req.Model) {
		sr, err := cm.Stream(ctx, req.Messages)
		if err != nil {
			return nil, ClassifyError(err)
		}
		return sr, nil
	}

	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel:      cm,
		ToolsConfig:           compose.ToolsNodeConfig{Tools: req.Tools},
		MaxStep:               maxSteps(req.MaxToolRounds),
		StreamToolCallChecker: streamHasToolCalls,
	})
	if err != nil {
		return nil, ClassifyError(errors.Wrap(err, "init react agent"))
	}
	sr, err := agent.Stream(ctx, req.Messages)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return sr, nil
}

// Complete runs a non-streaming completion and returns the text.
func (s *Service) Complete(ctx context.Context, provider, modelName string, msgs []*schema.Message) (string, error) {
	cm, err := s.chatModel(ctx, provider, modelName)
	if err != nil {
		return "", err
	}
	resp, err := cm.Generate(ctx, msgs)
	if err != nil {
		return "", ClassifyError(err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// maxSteps converts tool rounds into graph steps: every round is one model
// and one tools node, plus the final model answer.
func maxSteps(rounds int) int {
	if rounds <= 0 {
		rounds = config.DefaultMaxToolRounds
	}
	return 2*rounds + 1
}

// streamHasToolCalls reads the whole chunk stream, since some providers emit
// text before the tool call.
func streamHasToolCalls(_ context.Context, sr *schema.StreamReader[*schema.Message]) (bool, error) {
	defer sr.Close()
	for {
		msg, err := sr.Recv()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if len(msg.ToolCalls) > 0 {
			return true, nil
		}
	}
}

// ClassifyError maps provider errors that mean "no tool support" to
// ErrToolsUnsupported.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "tool") &&
		(strings.Contains(lower, "not support") || strings.Contains(lower, "unsupported") || strings.Contains(lower, "does not support")) {
		log.Debug().Err(err).Msg("provider rejected tools")
		return errors.Wrap(ErrToolsUnsupported, err.Error())
	}
	return err
}
