package agent

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"chatloop/internal/config"
	"chatloop/internal/domain"
)

// PromptBuilder produces the system turn that seeds every transcript.
type PromptBuilder struct {
	instructions string
	now          func() time.Time
}

type PromptConfig struct {
	Text   string           // inline instructions
	File   string           // read once at construction; overrides Text when readable
	Now    func() time.Time // defaults to time.Now
	Logger *slog.Logger
}

func NewPromptBuilder(cfg PromptConfig) *PromptBuilder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	text := strings.TrimSpace(cfg.Text)
	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		switch {
		case err != nil:
			cfg.Logger.Error("failed to read system prompt file, using configured prompt", "path", cfg.File, "err", err)
		case strings.TrimSpace(string(data)) == "":
			cfg.Logger.Warn("system prompt file is empty, using configured prompt", "path", cfg.File)
		default:
			text = strings.TrimSpace(string(data))
		}
	}
	if text == "" {
		text = config.DefaultSystemPrompt
	}
	return &PromptBuilder{instructions: text, now: cfg.Now}
}

// Instructions returns the configured instructions without the timestamp.
func (p *PromptBuilder) Instructions() string { return p.instructions }

// SystemTurn returns the instructions followed by the current local time.
func (p *PromptBuilder) SystemTurn() domain.Turn {
	return domain.Turn{
		Role:    domain.RoleSystem,
		Content: p.instructions + " Current date and time: " + p.now().Format(time.RFC3339),
	}
}
