// Package aitest provides scripted in-memory doubles for the model
// gateway interfaces.
package aitest

import (
	"context"
	"crypto/sha256"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/pkg/errors"

	"github.com/engramlabs/engram/pkg/ai"
)

var (
	_ ai.Completion = (*ScriptedCompletion)(nil)
	_ ai.Completion = (*KeyedCompletion)(nil)
	_ ai.Embedding  = (*StubEmbedding)(nil)
)

type scriptItem struct {
	content string
	err     error
}

// ScriptedCompletion replays queued responses in order and records
// every request it saw. When the queue runs dry it replays the last
// item; with an empty script it fails.
type ScriptedCompletion struct {
	mu       sync.Mutex
	script   []scriptItem
	Err      error
	Requests []openai.ChatCompletionNewParams
}

// Script queues responses to replay.
func (s *ScriptedCompletion) Script(responses ...string) *ScriptedCompletion {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range responses {
		s.script = append(s.script, scriptItem{content: r})
	}
	return s
}

// ScriptError queues a failure at this position in the script.
func (s *ScriptedCompletion) ScriptError(err error) *ScriptedCompletion {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, scriptItem{err: err})
	return s
}

func (s *ScriptedCompletion) ParamsCompletions(_ context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, params)
	if s.Err != nil {
		return openai.ChatCompletionMessage{}, s.Err
	}
	if len(s.script) == 0 {
		return openai.ChatCompletionMessage{}, errors.New("scripted completion exhausted")
	}
	next := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	if next.err != nil {
		return openai.ChatCompletionMessage{}, next.err
	}
	return openai.ChatCompletionMessage{Role: "assistant", Content: next.content}, nil
}

// CallCount reports how many completion requests were made.
func (s *ScriptedCompletion) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// KeyedCompletion routes each request by substring match on its user
// message, for tests where concurrent callers make the call order
// nondeterministic.
type KeyedCompletion struct {
	mu        sync.Mutex
	responses map[string]string
	Default   string
	Requests  []openai.ChatCompletionNewParams
}

// Respond registers the response replayed for any request whose user
// message contains key.
func (k *KeyedCompletion) Respond(key, response string) *KeyedCompletion {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.responses == nil {
		k.responses = make(map[string]string)
	}
	k.responses[key] = response
	return k
}

func (k *KeyedCompletion) ParamsCompletions(_ context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletionMessage, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Requests = append(k.Requests, params)

	user := userMessageText(params)
	for key, response := range k.responses {
		if strings.Contains(user, key) {
			return openai.ChatCompletionMessage{Role: "assistant", Content: response}, nil
		}
	}
	if k.Default != "" {
		return openai.ChatCompletionMessage{Role: "assistant", Content: k.Default}, nil
	}
	return openai.ChatCompletionMessage{}, errors.Errorf("no keyed response matches %q", user)
}

// CallCount reports how many completion requests were made.
func (k *KeyedCompletion) CallCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.Requests)
}

func userMessageText(params openai.ChatCompletionNewParams) string {
	var parts []string
	for _, msg := range params.Messages {
		if msg.OfUser != nil {
			parts = append(parts, msg.OfUser.Content.OfString.Value)
		}
	}
	return strings.Join(parts, "\n")
}

// StubEmbedding derives a deterministic unit-ish vector from each
// input: identical inputs embed identically, different inputs almost
// never collide.
type StubEmbedding struct {
	Dim int
	Err error

	mu    sync.Mutex
	Calls [][]string
}

func (s *StubEmbedding) dim() int {
	if s.Dim <= 0 {
		return 8
	}
	return s.Dim
}

func (s *StubEmbedding) Embedding(_ context.Context, input string, _ string) ([]float64, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, []string{input})
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return deriveVector(input, s.dim()), nil
}

func (s *StubEmbedding) Embeddings(_ context.Context, inputs []string, _ string) ([][]float64, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, inputs)
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([][]float64, 0, len(inputs))
	for _, input := range inputs {
		out = append(out, deriveVector(input, s.dim()))
	}
	return out, nil
}

// BatchCalls reports how many embedding API calls were made.
func (s *StubEmbedding) BatchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

func deriveVector(input string, dim int) []float64 {
	sum := sha256.Sum256([]byte(input))
	vec := make([]float64, dim)
	for i := 0; i < dim; i++ {
		vec[i] = float64(sum[i%len(sum)])/255.0 - 0.5
	}
	return vec
}
