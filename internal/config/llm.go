package config

// LLMConfig configures the generative-language client.
type LLMConfig struct {
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	Timeout         string  `yaml:"timeout"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"` // 0 = model default
	MinInterval     string  `yaml:"min_interval"`      // spacing between requests
}

// PersonaConfig holds the character the chat session plays.
type PersonaConfig struct {
	Instruction  string `yaml:"instruction"`
	Greeting     string `yaml:"greeting"`      // first model message; empty disables it
	FallbackText string `yaml:"fallback_text"` // shown when a reply fails
}
