package ollama

import (
	"context"
	"fmt"
	"io"
)

// ModelStatus reports whether a configured model is installed.
type ModelStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Status is the health of the Ollama dependency as seen by the server.
type Status struct {
	BaseURL    string      `json:"base_url"`
	Running    bool        `json:"running"`
	ChatModel  ModelStatus `json:"chat_model"`
	EmbedModel ModelStatus `json:"embed_model"`
	Error      string      `json:"error,omitempty"`
}

// Ready reports whether both models can be used.
func (s Status) Ready() bool {
	return s.Running && s.ChatModel.Available && s.EmbedModel.Available
}

// CheckStatus probes Ollama without side effects.
func CheckStatus(ctx context.Context, c *Client, chatModel, embedModel string) Status {
	st := Status{
		BaseURL:    c.BaseURL(),
		ChatModel:  ModelStatus{Name: chatModel},
		EmbedModel: ModelStatus{Name: embedModel},
	}
	models, err := c.ListModels(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Running = true
	st.ChatModel.Available = containsModel(models, chatModel)
	st.EmbedModel.Available = containsModel(models, embedModel)
	return st
}

// EnsureReady checks that Ollama is running and pulls any missing model,
// writing progress to w.
func EnsureReady(ctx context.Context, c *Client, chatModel, embedModel string, w io.Writer) error {
	st := CheckStatus(ctx, c, chatModel, embedModel)
	if !st.Running {
		return fmt.Errorf("ollama is not reachable at %s (start it with: ollama serve)", c.BaseURL())
	}

	for _, m := range []ModelStatus{st.ChatModel, st.EmbedModel} {
		if m.Available {
			fmt.Fprintf(w, "model %s: ready\n", m.Name)
			continue
		}
		fmt.Fprintf(w, "model %s: pulling...\n", m.Name)
		err := c.PullModel(ctx, m.Name, func(p PullProgress) {
			if p.Total > 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", m.Name, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", m.Name)
	}
	return nil
}
