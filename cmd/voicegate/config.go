package main

import (
	"os"
	"strconv"
	"time"

	"github.com/relayfone/voicegate/internal/audio"
	"github.com/relayfone/voicegate/internal/cost"
	"github.com/relayfone/voicegate/internal/resilience"
	"github.com/relayfone/voicegate/internal/session"
)

type config struct {
	port      string
	publicURL string

	agentName       string
	companyName     string
	defaultLanguage string

	openaiAPIKey    string
	openaiChatModel string
	whisperURL      string
	asrProvider     string

	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string
	openaiSpeechURL   string
	ttsProvider       string
	ttsVoice          string

	callctlURL    string
	callctlAPIKey string

	databaseURL string

	maxConcurrentCalls int
	poolSize           int
	silenceTimeout     time.Duration
	maxCallDuration    time.Duration

	vadConfig       audio.VADConfig
	utteranceConfig session.UtteranceConfig
	costLimits      cost.Limits
	breakerConfig   resilience.Config
}

func loadConfig() config {
	vad := audio.DefaultVADConfig()
	vad.StaticFloor = envFloat("VAD_STATIC_FLOOR", vad.StaticFloor)
	vad.NoiseMultiplier = envFloat("VAD_NOISE_MULTIPLIER", vad.NoiseMultiplier)
	vad.StartFrames = envInt("VAD_START_FRAMES", vad.StartFrames)
	vad.EndFrames = envInt("VAD_END_FRAMES", vad.EndFrames)
	vad.BargeInMultiplier = envFloat("VAD_BARGE_IN_MULTIPLIER", vad.BargeInMultiplier)
	vad.BargeInFrames = envInt("VAD_BARGE_IN_FRAMES", vad.BargeInFrames)

	utt := session.DefaultUtteranceConfig()
	utt.MaxDuration = envDuration("UTTERANCE_MAX_DURATION", utt.MaxDuration)

	return config{
		port:      envStr("VOICEGATE_PORT", "8080"),
		publicURL: envStr("PUBLIC_URL", "http://localhost:8080"),

		agentName:       envStr("AGENT_NAME", "Priya"),
		companyName:     envStr("COMPANY_NAME", "Skyline Homes"),
		defaultLanguage: envStr("DEFAULT_LANGUAGE", "hi-IN"),

		openaiAPIKey:    envStr("OPENAI_API_KEY", ""),
		openaiChatModel: envStr("OPENAI_CHAT_MODEL", ""),
		whisperURL:      envStr("WHISPER_SERVER_URL", ""),
		asrProvider:     envStr("ASR_PROVIDER", "openai"),

		elevenlabsAPIKey:  envStr("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID: envStr("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID: envStr("ELEVENLABS_MODEL_ID", "eleven_multilingual_v2"),
		openaiSpeechURL:   envStr("OPENAI_SPEECH_URL", "https://api.openai.com"),
		ttsProvider:       envStr("TTS_PROVIDER", "elevenlabs"),
		ttsVoice:          envStr("TTS_VOICE", ""),

		callctlURL:    envStr("CALLCTL_URL", ""),
		callctlAPIKey: envStr("CALLCTL_API_KEY", ""),

		databaseURL: envStr("DATABASE_URL", ""),

		maxConcurrentCalls: envInt("MAX_CONCURRENT_CALLS", 100),
		poolSize:           envInt("HTTP_POOL_SIZE", 50),
		silenceTimeout:     envDuration("SILENCE_TIMEOUT", 10*time.Second),
		maxCallDuration:    envDuration("MAX_CALL_DURATION", 10*time.Minute),

		vadConfig:       vad,
		utteranceConfig: utt,
		costLimits: cost.Limits{
			Budget:      envFloat("CALL_BUDGET_USD", 0.50),
			MaxBurnRate: envFloat("CALL_MAX_BURN_RATE_USD_PER_MIN", 0),
		},
		breakerConfig: resilience.Config{
			FailureThreshold: uint32(envInt("BREAKER_FAILURE_THRESHOLD", 3)),
			ResetTimeout:     envDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			MaxRetries:       uint64(envInt("RETRY_MAX", 2)),
			RetryBase:        envDuration("RETRY_BASE", 250*time.Millisecond),
		},
	}
}

func envStr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
