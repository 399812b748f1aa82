// Package genai provides language model operations using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/metrics"
	"github.com/BTreeMap/NiaCoach/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/sony/gobreaker"
)

// Default generation settings.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.9
	DefaultMaxTokens   = 1024
)

var (
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrInvalidJSON is returned when a JSON-mode completion does not parse.
	ErrInvalidJSON = errors.New("model returned invalid JSON")
	// ErrAPIKeyNotSet is returned by NewClient without a key.
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
	breaker     *gobreaker.CircuitBreaker
	metrics     *metrics.Collector
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	DebugMode   bool
	StateDir    string

	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Metrics *metrics.Collector
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) {
		o.Temperature = temp
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) {
		o.MaxTokens = n
	}
}

// WithDebugMode writes every request and response to stateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
	}
}

// WithStateDir sets the directory used for debug logs.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// WithCircuitBreaker opens the circuit after the given number of consecutive
// failures and probes again after timeout.
func WithCircuitBreaker(failures uint32, timeout time.Duration) Option {
	return func(o *Opts) {
		o.BreakerFailures = failures
		o.BreakerTimeout = timeout
	}
}

// WithMetrics records each call on the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) {
		o.Metrics = c
	}
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI.NewClient: API key not set")
		return nil, ErrAPIKeyNotSet
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	c := &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
		metrics:     cfg.Metrics,
	}
	if cfg.BreakerFailures > 0 {
		c.breaker = newBreaker(cfg.BreakerFailures, cfg.BreakerTimeout)
	}
	slog.Debug("GenAI.NewClient: client created", "model", c.model, "temperature", c.temperature,
		"maxTokens", c.maxTokens, "debugMode", c.debugMode, "breaker", c.breaker != nil)
	return c, nil
}

func newBreaker(failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("GenAI circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// Converse runs one chat turn: the history plus msg is sent under the
// system prompt (omitted when empty). The returned transcript is the input
// history with the user message and the reply appended; history is not modified.
func (c *Client) Converse(ctx context.Context, systemPrompt string, history models.Transcript, msg string) (string, models.Transcript, error) {
	reply, err := c.complete(ctx, "Converse", c.params(buildMessages(systemPrompt, history, msg), false))
	if err != nil {
		return "", nil, err
	}
	return reply, appendTurns(history, msg, reply), nil
}

// ConverseJSON is Converse in JSON mode. A reply that is not valid JSON
// yields ErrInvalidJSON.
func (c *Client) ConverseJSON(ctx context.Context, systemPrompt string, history models.Transcript, msg string) (json.RawMessage, models.Transcript, error) {
	reply, err := c.complete(ctx, "ConverseJSON", c.params(buildMessages(systemPrompt, history, msg), true))
	if err != nil {
		return nil, nil, err
	}
	if !json.Valid([]byte(reply)) {
		slog.Warn("GenAI.ConverseJSON: reply is not JSON", "reply", reply)
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidJSON, reply)
	}
	return json.RawMessage(reply), appendTurns(history, msg, reply), nil
}

// GenerateStructured asks for a single JSON object.
func (c *Client) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error) {
	reply, err := c.complete(ctx, "GenerateStructured", c.params(buildMessages(systemPrompt, nil, userPrompt), true))
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(reply)) {
		slog.Warn("GenAI.GenerateStructured: reply is not JSON", "reply", reply)
		return nil, fmt.Errorf("%w: %q", ErrInvalidJSON, reply)
	}
	return json.RawMessage(reply), nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion, jsonMode bool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

// complete sends the request through the circuit breaker when one is configured.
func (c *Client) complete(ctx context.Context, method string, params openai.ChatCompletionNewParams) (string, error) {
	call := func() (any, error) {
		return c.chat.Create(ctx, params)
	}

	var (
		out any
		err error
	)
	if c.breaker != nil {
		out, err = c.breaker.Execute(call)
	} else {
		out, err = call()
	}
	c.metrics.Generation(method, err)
	if err != nil {
		slog.Error("GenAI."+method+": chat completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	resp := out.(openai.ChatCompletion)
	if c.debugMode {
		c.writeDebugLog(method, params, resp)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("GenAI."+method+": no choices returned", "model", c.model)
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

func buildMessages(systemPrompt string, history models.Transcript, msg string) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, turn := range history {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	return append(messages, openai.UserMessage(msg))
}

func appendTurns(history models.Transcript, msg, reply string) models.Transcript {
	now := time.Now().UTC()
	out := make(models.Transcript, 0, len(history)+2)
	out = append(out, history...)
	return append(out,
		models.Turn{Role: models.RoleUser, Content: msg, Timestamp: now},
		models.Turn{Role: models.RoleAssistant, Content: reply, Timestamp: now},
	)
}

// debugEntry is one request/response pair written in debug mode.
type debugEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Model     string    `json:"model"`
	Params    any       `json:"params"`
	Response  any       `json:"response"`
}

// writeDebugLog stores the call under stateDir/debug. Failures are logged only.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("GenAI.writeDebugLog: failed to create debug directory", "error", err, "dir", dir)
		return
	}
	now := time.Now().UTC()
	entry := debugEntry{Timestamp: now, Method: method, Model: c.model, Params: params, Response: resp}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI.writeDebugLog: failed to marshal entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("GenAI.writeDebugLog: failed to write entry", "error", err)
	}
}
