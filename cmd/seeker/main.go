package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/seeker/config"
	"github.com/mohammad-safakhou/seeker/internal/planner"
	"github.com/mohammad-safakhou/seeker/internal/retrieval"
	"github.com/mohammad-safakhou/seeker/internal/search"
	"github.com/mohammad-safakhou/seeker/internal/search/memindex"
	"github.com/mohammad-safakhou/seeker/internal/server"
	"github.com/mohammad-safakhou/seeker/provider"
)

func main() {
	var root = &cobra.Command{Use: "seeker"}

	root.AddCommand(serveCMD(), queryCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	var docsPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the retrieval HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			engine, backend, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			if err := seedBackend(backend, docsPath); err != nil {
				return err
			}
			log.Printf("listening on %s (search mode %s)", cfg.Server.Address, cfg.Search.Mode)
			return server.Run(cfg, engine)
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	serve.Flags().StringVar(&docsPath, "docs", "", "JSON-lines corpus to load into the in-memory index")
	return serve
}

func queryCMD() *cobra.Command {
	var cfgPath string
	var docsPath string
	var query = &cobra.Command{
		Use:   "query [text]",
		Short: "Run one retrieval from the command line and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			engine, backend, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			if err := seedBackend(backend, docsPath); err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			result, err := engine.Retrieve(ctx, args[0])
			if err != nil {
				return fmt.Errorf("retrieval failed: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	query.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	query.Flags().StringVar(&docsPath, "docs", "", "JSON-lines corpus to load into the in-memory index")
	return query
}

// buildEngine does the top-level DI: provider, oracles, backend, loop.
func buildEngine(cfg *config.Config) (*retrieval.Engine, search.Backend, error) {
	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("creating llm provider: %w", err)
	}

	var backend search.Backend
	switch cfg.Search.Mode {
	case "memory":
		idx, err := memindex.New(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("creating in-memory index: %w", err)
		}
		backend = idx
	case "http":
		backend = search.NewHTTPBackend(cfg.Search)
	default:
		return nil, nil, fmt.Errorf("unsupported search.mode %q", cfg.Search.Mode)
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := llm.CreateEmbedding(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, fmt.Errorf("embedding provider returned no vectors")
		}
		return vecs[0], nil
	}

	oracle := planner.NewLLMOracle(llm)
	coverage := planner.NewLLMCoverageOracle(llm)
	engine := retrieval.NewEngine(cfg, oracle, coverage, backend, embed)
	return engine, backend, nil
}

// seedBackend loads a JSON-lines corpus when the backend is the in-memory
// index. Remote backends are expected to be populated already.
func seedBackend(backend search.Backend, docsPath string) error {
	if docsPath == "" {
		return nil
	}
	idx, ok := backend.(*memindex.Index)
	if !ok {
		return fmt.Errorf("--docs requires search.mode memory")
	}
	n, err := idx.LoadFile(docsPath)
	if err != nil {
		return fmt.Errorf("loading corpus %s: %w", docsPath, err)
	}
	log.Printf("loaded %d documents from %s", n, docsPath)
	return nil
}
