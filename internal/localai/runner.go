package localai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"time"
)

// Model is a loaded, memory-resident local model ready for inference.
// Close releases the memory (and any backing process) it holds.
type Model interface {
	Chat(ctx context.Context, system, user string, image []byte, maxTokens int, temperature float64) (string, error)
	Close() error
}

// Runner loads a weight file into a resident Model. Loading is expensive and
// memory-hungry; the Client makes sure at most one Model is alive at a time.
type Runner interface {
	Load(ctx context.Context, modelPath string) (Model, error)
}

const (
	serverStartTimeout = 2 * time.Minute
	serverPollInterval = 250 * time.Millisecond
	chatTimeout        = 5 * time.Minute
)

// LlamaServerRunner runs each model as a llama.cpp server subprocess bound to
// a loopback port and talks to it over its OpenAI-compatible chat endpoint.
type LlamaServerRunner struct {
	binary string
}

// NewLlamaServerRunner creates a runner that launches binary (a llama.cpp
// "llama-server" executable) for each loaded model.
func NewLlamaServerRunner(binary string) *LlamaServerRunner {
	return &LlamaServerRunner{binary: binary}
}

// Load starts a server subprocess for the weight file and waits until its
// health endpoint reports ready.
func (r *LlamaServerRunner) Load(ctx context.Context, modelPath string) (Model, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocating port: %w", err)
	}

	cmd := exec.Command(r.binary,
		"-m", modelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting model server: %w", err)
	}

	m := &llamaServerModel{
		cmd:        cmd,
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		httpClient: &http.Client{Timeout: chatTimeout},
	}

	if err := m.waitReady(ctx); err != nil {
		m.Close()
		return nil, fmt.Errorf("model server did not become ready: %w", err)
	}
	return m, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

type llamaServerModel struct {
	cmd        *exec.Cmd
	baseURL    string
	httpClient *http.Client
}

func (m *llamaServerModel) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(serverStartTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := m.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(serverPollInterval)
	}
	return fmt.Errorf("timed out after %s", serverStartTimeout)
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat issues one chat completion against the resident model. The image, when
// present, is attached as an inline data URI per the OpenAI vision format.
func (m *llamaServerModel) Chat(ctx context.Context, system, user string, image []byte, maxTokens int, temperature float64) (string, error) {
	var userContent any = user
	if len(image) > 0 {
		userContent = []chatContentPart{
			{Type: "text", Text: user},
			{Type: "image_url", ImageURL: &chatImageURL{
				URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
			}},
		}
	}

	body, err := json.Marshal(chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: userContent},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("chat: unexpected status %d: %s", resp.StatusCode, respBody)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat: no choices returned")
	}
	return result.Choices[0].Message.Content, nil
}

// Close kills the server subprocess and reaps it.
func (m *llamaServerModel) Close() error {
	if m.cmd.Process != nil {
		m.cmd.Process.Kill()
	}
	m.cmd.Wait()
	return nil
}
