package llmtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// OpenAIServer is an httptest server that speaks the OpenAI embeddings and
// chat completions API. Embeddings come from Embedder; every completion
// returns Reply.
type OpenAIServer struct {
	*httptest.Server

	Embedder *KeywordEmbedder

	mu       sync.Mutex
	reply    string
	status   int
	messages [][]map[string]string
}

// NewOpenAIServer starts a server that is closed when the test ends.
func NewOpenAIServer(tb testing.TB, embedder *KeywordEmbedder, reply string) *OpenAIServer {
	tb.Helper()
	s := &OpenAIServer{Embedder: embedder, reply: reply}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /embeddings", s.handleEmbeddings)
	mux.HandleFunc("POST /chat/completions", s.handleChat)
	s.Server = httptest.NewServer(mux)
	tb.Cleanup(s.Close)
	return s
}

// FailWith makes every later request answer with status.
func (s *OpenAIServer) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// ChatMessages returns the messages of every chat request, in order.
func (s *OpenAIServer) ChatMessages() [][]map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]map[string]string(nil), s.messages...)
}

func (s *OpenAIServer) failing(w http.ResponseWriter) bool {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		return false
	}
	http.Error(w, `{"error":{"message":"scripted failure"}}`, status)
	return true
}

func (s *OpenAIServer) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if s.failing(w) {
		return
	}
	var req struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	vecs, err := s.Embedder.Embed(r.Context(), req.Input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type item struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	resp := struct {
		Data  []item `json:"data"`
		Model string `json:"model"`
	}{Model: req.Model}
	for i, v := range vecs {
		resp.Data = append(resp.Data, item{Index: i, Embedding: v})
	}
	writeJSON(w, resp)
}

func (s *OpenAIServer) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.failing(w) {
		return
	}
	var req struct {
		Model    string              `json:"model"`
		Messages []map[string]string `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, req.Messages)
	reply := s.reply
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"model": req.Model,
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": reply},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
