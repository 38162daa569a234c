package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docrelay/docrelay/internal/agent"
	"github.com/docrelay/docrelay/internal/config"
	"github.com/docrelay/docrelay/internal/llm"
	"github.com/docrelay/docrelay/internal/retrieval"
	"github.com/docrelay/docrelay/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  docrelay serve --config <docrelay.yaml> [--addr <host:port>]")
}

func serve(args []string) {
	var configPath string
	var addr string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fatal("--config requires a value")
			}
			configPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fatal("--addr requires a value")
			}
			addr = args[i]
		default:
			fatal("unknown flag: %s", args[i])
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	logger := log.New(os.Stderr, "[docrelay] ", log.LstdFlags)

	apiKey, err := cfg.Model.APIKey()
	if err != nil {
		fatal("resolve api key: %v", err)
	}
	client := llm.NewClient(llm.Config{
		BaseURL:        cfg.Model.BaseURL,
		APIKey:         apiKey,
		ChatPath:       cfg.Model.ChatPath,
		EmbeddingsPath: cfg.Model.EmbeddingsPath,
		Timeout:        time.Duration(cfg.Model.TimeoutMS) * time.Millisecond,
		ExtraHeaders:   cfg.Model.Headers,
	}, logger)

	var retriever agent.Retriever
	if cfg.Retrieval.IndexPath != "" {
		idx, err := retrieval.Load(cfg.Retrieval.IndexPath, client)
		if err != nil {
			// The chat path works without reference context, so a missing
			// index degrades to plain conversation instead of refusing to start.
			logger.Printf("retrieval disabled: %v", err)
		} else {
			if want := cfg.Retrieval.EmbeddingModel; want != "" && want != idx.Model() {
				fatal("index %s was built with embedding model %q, config expects %q",
					cfg.Retrieval.IndexPath, idx.Model(), want)
			}
			logger.Printf("loaded retrieval index: %d chunks from %s", idx.Len(), cfg.Retrieval.IndexPath)
			retriever = idx
		}
	}

	registry := agent.NewToolRegistry()
	if err := agent.RegisterCoreTools(registry, agent.CoreToolsConfig{
		CodeOutputPath: cfg.Tools.CodeOutputPath,
		CorpusDir:      cfg.Tools.CorpusDir,
	}); err != nil {
		fatal("register tools: %v", err)
	}

	sessionCfg := agent.SessionConfig{
		Model:              cfg.Model.Name,
		SystemPrompt:       cfg.Session.SystemPrompt,
		HistoryWindow:      cfg.Session.HistoryWindow,
		RetrieveTopK:       cfg.Retrieval.TopK,
		ResubmitAfterTool:  cfg.Session.ResubmitAfterTool,
		CompactEveryTurn:   *cfg.Session.CompactEveryTurn,
		CompactMinMessages: cfg.Session.CompactMinMessages,
	}
	if retriever == nil {
		sessionCfg.RetrieveTopK = 0
	}

	srv := server.New(server.Config{Addr: cfg.ListenAddr}, func() (*agent.Session, error) {
		return agent.NewSession(client, registry, retriever, sessionCfg, logger)
	})
	if err := srv.ListenAndServe(); err != nil {
		fatal("server: %v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "docrelay: "+format+"\n", args...)
	os.Exit(1)
}
