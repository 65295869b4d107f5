package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"chatrelay/internal/ai"
	"chatrelay/internal/common"
	"chatrelay/internal/relay"
)

// labelWordLimit caps the derived chat label at the first words of the
// opening prompt.
const labelWordLimit = 7

// AskQueue dispatches generation jobs to an out-of-process worker.
type AskQueue interface {
	PublishAsk(ctx context.Context, jobID string) error
}

// Service is the generation orchestrator: it validates an ask, persists the
// user turn, kicks off exactly one generation, and owns the authoritative
// response accumulator used for persistence. Chunks flow to subscribers
// through the relay, never through the ask response.
type Service struct {
	repo     *Repo
	registry *ai.Registry
	relay    *relay.Relay
	queue    AskQueue
	logger   zerolog.Logger
}

type ServiceOption func(*Service)

// WithAskQueue switches ask dispatch from an in-process goroutine to a
// queued job consumed by the worker.
func WithAskQueue(q AskQueue) ServiceOption {
	return func(s *Service) { s.queue = q }
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(repo *Repo, registry *ai.Registry, rly *relay.Relay, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		registry: registry,
		relay:    rly,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateChat(ctx context.Context, userID uint64) (*Chat, error) {
	c := &Chat{
		ID:     uuid.NewString(),
		UserID: userID,
	}
	if err := s.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) ListChats(ctx context.Context, userID uint64, offset, limit int) ([]Chat, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListChats(ctx, userID, offset, limit)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, chatID string) ([]Message, error) {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.repo.ListChatMessages(ctx, userID, chatID)
}

func (s *Service) DeleteChat(ctx context.Context, userID uint64, chatID string) error {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return err
	}
	return s.repo.DeleteChat(ctx, chatID)
}

func (s *Service) ListModels(ctx context.Context) ([]AIModel, error) {
	return s.repo.ListModels(ctx)
}

// ValidateChatOwner checks that the chat exists and belongs to the user.
// The stream endpoint runs this before attaching to the relay.
func (s *Service) ValidateChatOwner(ctx context.Context, userID uint64, chatID string) error {
	_, err := s.ownedChat(ctx, userID, chatID)
	return err
}

// ownedChat loads a chat and verifies ownership.
func (s *Service) ownedChat(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	c, err := s.repo.GetChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrChatNotOwned
	}
	return c, nil
}

// AskResult is the synchronous answer to an ask: the request was accepted
// and generation dispatched. ChatLabel is set when this ask was the chat's
// first turn.
type AskResult struct {
	Accepted  bool   `json:"accepted"`
	ChatLabel string `json:"chat_label,omitempty"`
}

// Ask validates the request, persists the user turn, and kicks off one
// generation for the chat. It returns once generation has been dispatched;
// whether generation succeeds is discovered through the stream.
func (s *Service) Ask(ctx context.Context, userID uint64, chatID, prompt, modelName string) (AskResult, error) {
	chatRow, err := s.ownedChat(ctx, userID, chatID)
	if err != nil {
		return AskResult{}, err
	}

	model, err := s.repo.GetModelByName(ctx, modelName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AskResult{}, ErrModelUnavailable
		}
		return AskResult{}, err
	}
	if _, err := s.registry.ForModel(model.Name); err != nil {
		return AskResult{}, ErrModelUnavailable
	}

	// user turn is persisted regardless of generation outcome
	if err := s.repo.AddMessage(ctx, &Message{
		ChatID:    chatID,
		UserID:    userID,
		AIModelID: model.ID,
		Role:      "user",
		Content:   prompt,
	}); err != nil {
		return AskResult{}, err
	}

	result := AskResult{Accepted: true}
	if chatRow.Label == "" {
		label := deriveLabel(prompt)
		if err := s.repo.UpdateChatLabel(ctx, chatID, label); err != nil {
			s.logger.Error().Err(err).Str("chat_id", chatID).Msg("update chat label")
		} else {
			result.ChatLabel = label
		}
	}

	if s.queue != nil {
		jobID, err := common.NewULID()
		if err != nil {
			return AskResult{}, err
		}
		job := &Job{
			ID:     jobID,
			UserID: userID,
			ChatID: chatID,
			Model:  model.Name,
			Prompt: prompt,
			Status: JobQueued,
		}
		if err := s.repo.CreateJob(ctx, job); err != nil {
			return AskResult{}, err
		}
		if err := s.queue.PublishAsk(ctx, job.ID); err != nil {
			return AskResult{}, err
		}
		return result, nil
	}

	// generation outlives the ask request
	go s.RunGeneration(context.WithoutCancel(ctx), userID, chatID, model.Name)
	return result, nil
}

// RunGeneration executes one generation for a chat whose user turn is
// already persisted: it streams from the provider, publishes every chunk
// verbatim to the relay, and persists the accumulated assistant message on
// the final chunk. Failures after kickoff are logged only; subscribers are
// unblocked by the relay's idle teardown.
func (s *Service) RunGeneration(ctx context.Context, userID uint64, chatID, modelName string) error {
	model, err := s.repo.GetModelByName(ctx, modelName)
	if err != nil {
		s.logger.Error().Err(err).Str("chat_id", chatID).Str("model", modelName).Msg("generation: resolve model")
		return err
	}
	provider, err := s.registry.ForModel(model.Name)
	if err != nil {
		s.logger.Error().Err(err).Str("chat_id", chatID).Str("model", modelName).Msg("generation: resolve adapter")
		return err
	}

	history, err := s.repo.ListChatMessages(ctx, userID, chatID)
	if err != nil {
		s.logger.Error().Err(err).Str("chat_id", chatID).Msg("generation: load history")
		return err
	}
	providerMsgs := make([]ai.Message, 0, len(history))
	for _, m := range history {
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
	}

	chunks, errs := provider.StreamMessage(ctx, providerMsgs, ai.ModelData{
		APIKey: model.APIKey,
		Model:  model.Name,
	})

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Text != "" {
			b.WriteString(chunk.Text)
		}
		s.relay.Publish(ctx, chatID, chunk)

		if chunk.IsFinal {
			// fire-and-forget relative to the stream: the live
			// experience never waits on storage
			if err := s.repo.AddMessage(ctx, &Message{
				ChatID:           chatID,
				UserID:           userID,
				AIModelID:        model.ID,
				Role:             "assistant",
				Content:          b.String(),
				PromptTokens:     chunk.PromptTokenCount,
				CompletionTokens: chunk.CompletionTokenCount,
			}); err != nil {
				s.logger.Error().Err(err).Str("chat_id", chatID).Msg("generation: persist assistant message")
			}
		}
	}

	select {
	case err := <-errs:
		if err != nil {
			// no final chunk was emitted; subscribers idle out
			s.logger.Error().Err(err).Str("chat_id", chatID).Str("model", modelName).Msg("generation: provider stream failed")
			return err
		}
	default:
	}
	return nil
}

// deriveLabel builds a short chat label from the opening prompt.
func deriveLabel(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > labelWordLimit {
		words = words[:labelWordLimit]
	}
	label := strings.Join(words, " ")
	if len(label) > 80 {
		label = label[:80]
	}
	return label
}
