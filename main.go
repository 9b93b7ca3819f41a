package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hearsay/asr"
	"hearsay/gateway"
	"hearsay/protocol"
	"hearsay/session"
	"hearsay/store"
	"hearsay/translate"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().Int("port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().
		String("asr-engine", asr.KindDeepgram, "Recognition engine (deepgram or speechmatics)")
	rootCmd.PersistentFlags().String("deepgram-api-key", "", "Deepgram API key")
	rootCmd.PersistentFlags().
		String("speechmatics-api-key", "", "Speechmatics API key")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().
		String("openai-base-url", "", "Override base URL for the translation backend")
	rootCmd.PersistentFlags().String("openai-model", "", "Translation model")
	rootCmd.PersistentFlags().
		String("database-url", "", "Postgres URL for the transcript store (optional)")
	rootCmd.PersistentFlags().String("lang1", "en", "Default first language")
	rootCmd.PersistentFlags().String("lang2", "de", "Default second language")

	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("asr_engine", rootCmd.PersistentFlags().Lookup("asr-engine"))
	viper.BindPFlag(
		"deepgram_api_key",
		rootCmd.PersistentFlags().Lookup("deepgram-api-key"),
	)
	viper.BindPFlag(
		"speechmatics_api_key",
		rootCmd.PersistentFlags().Lookup("speechmatics-api-key"),
	)
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag(
		"openai_base_url",
		rootCmd.PersistentFlags().Lookup("openai-base-url"),
	)
	viper.BindPFlag("openai_model", rootCmd.PersistentFlags().Lookup("openai-model"))
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("lang1", rootCmd.PersistentFlags().Lookup("lang1"))
	viper.BindPFlag("lang2", rootCmd.PersistentFlags().Lookup("lang2"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "hearsay",
	Short: "Hearsay is a live speech translation relay",
	Long:  `Hearsay ingests live microphone audio over websockets, drives it through a speech-recognition provider, and streams live and revised translations back with low latency.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := session.NewRegistry(session.Config{}, logger)

	translator := translate.NewOpenAITranslator(
		viper.GetString("openai_api_key"),
		viper.GetString("openai_base_url"),
		viper.GetString("openai_model"),
		logger,
	)

	var recorder translate.Recorder
	if url := viper.GetString("database_url"); url != "" {
		st, err := store.Open(ctx, url, logger)
		if err != nil {
			logger.Fatal("failed to open transcript store", "error", err)
		}
		if err := st.Init(ctx); err != nil {
			logger.Fatal("failed to init transcript store", "error", err)
		}
		defer st.Close()
		recorder = st
	}

	orch := translate.NewOrchestrator(
		translate.Config{},
		translator,
		func(sessionID string, msg protocol.ServerMessage) {
			if s, ok := registry.Get(sessionID); ok {
				if err := s.Send(msg); err != nil {
					logger.Error("failed to send translation event",
						"session", sessionID, "error", err)
				}
			}
		},
		recorder,
		logger,
	)

	engineKind := viper.GetString("asr_engine")
	newEngine := func(hello protocol.ClientHello, sink asr.Sink) (asr.Engine, error) {
		opts := asr.Options{
			Vocab:  hello.Vocab,
			Logger: logger,
		}
		if hello.Langs != nil {
			opts.Lang = hello.Langs.Lang1
		}
		switch engineKind {
		case asr.KindSpeechmatics:
			opts.APIKey = viper.GetString("speechmatics_api_key")
		default:
			opts.APIKey = viper.GetString("deepgram_api_key")
		}
		return asr.NewEngine(engineKind, opts, sink)
	}

	gw := gateway.New(gateway.Config{
		DefaultLangs: protocol.LangPair{
			Lang1: viper.GetString("lang1"),
			Lang2: viper.GetString("lang2"),
		},
	}, registry, orch, newEngine, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("port")),
		Handler: gw.Router(),
	}

	go func() {
		logger.Info("relay listening", "addr", srv.Addr, "engine", engineKind)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	registry.Shutdown("server_shutdown")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
