package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayfone/voicegate/internal/callctl"
	"github.com/relayfone/voicegate/internal/cost"
	"github.com/relayfone/voicegate/internal/fsm"
	"github.com/relayfone/voicegate/internal/metrics"
	"github.com/relayfone/voicegate/internal/pipeline"
	"github.com/relayfone/voicegate/internal/session"
	"github.com/relayfone/voicegate/internal/store"
	"github.com/relayfone/voicegate/internal/transport"
)

func main() {
	godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	var db *store.Store
	if cfg.databaseURL != "" {
		var err error
		db, err = store.Open(cfg.databaseURL)
		if err != nil {
			slog.Error("store open failed, persistence disabled", "error", err)
			db = nil
		} else {
			defer db.Close()
		}
	}

	oai := openai.NewClient(option.WithAPIKey(cfg.openaiAPIKey))

	asrBackends := map[string]pipeline.Transcriber{
		"openai": pipeline.NewOpenAITranscriber(&oai),
	}
	if cfg.whisperURL != "" {
		asrBackends["whisper"] = pipeline.NewWhisperHTTPClient(cfg.whisperURL, cfg.poolSize)
	}
	asrRouter := pipeline.NewASRRouter(asrBackends, cfg.asrProvider)

	replyRouter := pipeline.NewReplyRouter(map[string]pipeline.ChatStreamer{
		"openai": pipeline.NewOpenAIChatClient(&oai, cfg.openaiChatModel),
	}, "openai")

	ttsBackends := map[string]pipeline.Synthesizer{
		"openai": pipeline.NewOpenAISpeechSynthesizer(cfg.openaiSpeechURL, cfg.openaiAPIKey, "tts-1", "alloy", cfg.poolSize),
	}
	if cfg.elevenlabsAPIKey != "" {
		ttsBackends["elevenlabs"] = pipeline.NewElevenLabsSynthesizer(cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, cfg.poolSize)
	}
	ttsProvider := cfg.ttsProvider
	if _, ok := ttsBackends[ttsProvider]; !ok {
		ttsProvider = "openai"
	}
	ttsRouter := pipeline.NewTTSRouter(ttsBackends, ttsProvider)

	guards := pipeline.NewGuards(cfg.breakerConfig)
	governor := cost.NewGovernor(cost.DefaultRates(), cfg.costLimits)
	registry := session.NewRegistry()
	callClient := callctl.NewClient(cfg.callctlURL, cfg.callctlAPIKey)

	go sweepLoop(governor)

	finalize := func(fin session.Finalization) {
		registry.Remove(fin.CallID)
		usage, callCost, _ := governor.Close(fin.CallID)
		metrics.CallCost.Observe(callCost)
		persist(db, fin, callCost)
		slog.Info("call closed", "callId", fin.CallID, "cost", callCost,
			"sttSeconds", usage.STTSeconds, "ttsChars", usage.TTSChars)
	}

	hangup := func(callID, reason string) {
		if callClient == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := callClient.Hangup(ctx, callID); err != nil {
			slog.Warn("hangup", "callId", callID, "error", err)
		}
	}

	newSession := func(start transport.StartPayload, sender *transport.Sender) (transport.MediaSession, error) {
		language := start.Language
		if language == "" {
			language = cfg.defaultLanguage
		}
		direction := start.Direction
		if direction == "" {
			direction = "inbound"
		}
		governor.Open(start.CallID)

		playback := session.DefaultPlaybackConfig()
		playback.OnFrame = sender.PlayAudio
		playback.OnCleared = sender.ClearAudio
		playback.OnDrained = sender.Checkpoint

		sess := session.New(context.Background(), session.Config{
			CallID:         start.CallID,
			CallerNumber:   start.CallerNumber,
			Direction:      direction,
			Language:       language,
			VAD:            cfg.vadConfig,
			Utterance:      cfg.utteranceConfig,
			Playback:       playback,
			SilenceTimeout: cfg.silenceTimeout,
			MaxDuration:    cfg.maxCallDuration,
			NewRunner: func(machine *fsm.Machine, sink pipeline.Sink, recorder pipeline.Recorder, onHangup func(string)) session.Driver {
				return pipeline.NewRunner(pipeline.RunnerConfig{
					CallID:        start.CallID,
					Language:      language,
					AgentName:     cfg.agentName,
					CompanyName:   cfg.companyName,
					ASR:           asrRouter,
					Reply:         replyRouter,
					TTS:           ttsRouter,
					ASRProvider:   cfg.asrProvider,
					ReplyProvider: "openai",
					TTSProvider:   ttsProvider,
					TTSOptions:    pipeline.TTSOptions{Voice: cfg.ttsVoice},
					Guards:        guards,
					Governor:      governor,
					Machine:       machine,
					Classifier:    fsm.NewRuleClassifier(),
					Sink:          sink,
					Recorder:      recorder,
					OnHangup:      onHangup,
				})
			},
			Hangup:   hangup,
			Finalize: finalize,
		})
		registry.Add(sess)
		return sess, nil
	}

	mediaHandler := transport.NewHandler(transport.HandlerConfig{
		NewSession:    newSession,
		MaxConcurrent: cfg.maxConcurrentCalls,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws/media", mediaHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /webhooks/call", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ev, err := callctl.DecodeLifecycleEvent(body)
		if err != nil {
			slog.Warn("bad lifecycle event", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch ev.Event {
		case callctl.EventAnswered:
			// The answered webhook can beat the media stream's start
			// message; the registry buffers the mark until the session
			// attaches so the greeting is not lost.
			registry.MarkAnswered(ev.CallID)
		case callctl.EventEnded:
			if sess, ok := registry.Get(ev.CallID); ok {
				reason := "provider ended"
				if ev.Reason != "" {
					reason = "provider ended: " + ev.Reason
				}
				sess.Finalize(reason)
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /calls", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			To       string `json:"to"`
			Language string `json:"language,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		callID, err := callClient.PlaceCall(r.Context(), callctl.PlaceCallRequest{
			To:         req.To,
			Language:   req.Language,
			StreamURL:  wsURL(cfg.publicURL) + "/ws/media",
			WebhookURL: cfg.publicURL + "/webhooks/call",
		})
		if err != nil {
			slog.Error("place call", "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"callId": callID})
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		registry.Shutdown("server stopping")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("voicegate starting", "addr", addr,
		"max_concurrent", cfg.maxConcurrentCalls, "asr", cfg.asrProvider, "tts", ttsProvider)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("voicegate stopped")
}

// persist writes the finished call to the store. Failures are logged and
// swallowed: the call is already over and nothing upstream can retry.
func persist(db *store.Store, fin session.Finalization, callCost float64) {
	if db == nil {
		return
	}
	rec := store.CallRecord{
		CallID:       fin.CallID,
		CallerNumber: fin.CallerNumber,
		Language:     fin.Language,
		Direction:    fin.Direction,
		StartedAt:    fin.StartedAt,
		EndedAt:      fin.EndedAt,
		EndReason:    fin.Reason,
		FinalState:   string(fin.Snapshot.State),
		Cost:         callCost,
	}
	if err := db.SaveCall(rec); err != nil {
		slog.Error("save call", "callId", fin.CallID, "error", err)
	}
	if err := db.SaveTranscript(fin.CallID, fin.Transcript); err != nil {
		slog.Error("save transcript", "callId", fin.CallID, "error", err)
	}
	if err := db.UpsertLead(fin.CallID, fin.Snapshot.Lead); err != nil {
		slog.Error("upsert lead", "callId", fin.CallID, "error", err)
	}
}

func sweepLoop(governor *cost.Governor) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if n := governor.Sweep(); n > 0 {
			slog.Info("swept stale cost entries", "count", n)
		}
	}
}

func wsURL(publicURL string) string {
	switch {
	case strings.HasPrefix(publicURL, "https://"):
		return "wss://" + strings.TrimPrefix(publicURL, "https://")
	case strings.HasPrefix(publicURL, "http://"):
		return "ws://" + strings.TrimPrefix(publicURL, "http://")
	}
	return publicURL
}
