package config

// DefaultSystemPrompt is used when neither systemPrompt nor a readable
// systemPromptFile is configured.
const DefaultSystemPrompt = "You are a helpful assistant."

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			DefaultProvider:       "ollama",
			MaxRounds:             25,
			GatewayTimeoutSeconds: 120,
			SystemPrompt:          DefaultSystemPrompt,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
			"openai": {
				Enabled: false,
				APIBase: "https://api.openai.com/v1",
			},
		},
		Channels: ChannelsConfig{
			HTTP: HTTPConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8080,
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
		Tools: ToolsConfig{
			Search: SearchToolConfig{
				Engine:         "duckduckgo",
				TimeoutSeconds: 15,
			},
			Python: PythonToolConfig{
				Interpreter:    "python3",
				TimeoutSeconds: 30,
				MaxOutputBytes: 65536,
			},
		},
		Security: SecurityConfig{
			ScriptBlacklist: defaultScriptBlacklist(),
		},
		Audit: AuditConfig{
			Enabled: false,
			DBPath:  "~/.chatloop/audit.db",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

func defaultScriptBlacklist() []string {
	return []string{
		"shutil.rmtree('/')",
		`shutil.rmtree("/")`,
		"rm -rf /",
		"mkfs",
		"os.fork()",
	}
}
