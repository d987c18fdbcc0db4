package main

import (
	"context"
	"fmt"

	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

type backendConfig struct {
	GeminiKey     string
	GeminiModel   string
	OllamaURL     string
	OllamaVision  string
	OllamaText    string
	VertexProject string
	VertexRegion  string
	VertexModel   string
}

func openDatabase(backend, boltPath, sqlitePath, postgresDSN string) (receipt.DB, error) {
	switch backend {
	case "bolt":
		return receipt.NewBoltDB(boltPath)
	case "sqlite":
		return receipt.OpenSQLite(sqlitePath)
	case "postgres":
		if postgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for the postgres backend")
		}
		return receipt.OpenPostgres(postgresDSN)
	default:
		return nil, fmt.Errorf("unknown database backend %q (valid: bolt, postgres, sqlite)", backend)
	}
}

func openStorage(ctx context.Context, backend, path string, s3cfg receipt.S3Config) (receipt.Storage, error) {
	switch backend {
	case "local":
		return receipt.NewLocalStorage(path)
	case "s3":
		return receipt.NewS3Storage(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (valid: local, s3)", backend)
	}
}

func openRecognizer(ctx context.Context, backend string, cfg backendConfig) (scanning.Recognizer, error) {
	switch backend {
	case "gemini":
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
		}
		return scanning.NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel)
	case "ollama":
		return scanning.NewOllama(cfg.OllamaURL, cfg.OllamaVision, cfg.OllamaText), nil
	default:
		return nil, fmt.Errorf("unknown OCR backend %q (valid: gemini, ollama)", backend)
	}
}

func openInferrer(ctx context.Context, backend string, cfg backendConfig) (scanning.Inferrer, error) {
	switch backend {
	case "gemini":
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
		}
		return scanning.NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel)
	case "ollama":
		return scanning.NewOllama(cfg.OllamaURL, cfg.OllamaVision, cfg.OllamaText), nil
	case "vertex":
		return scanning.NewVertex(ctx, cfg.VertexProject, cfg.VertexRegion, cfg.VertexModel)
	case "rules":
		return scanning.NewRules(), nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q (valid: gemini, ollama, vertex, rules)", backend)
	}
}
