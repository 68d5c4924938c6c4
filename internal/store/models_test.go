package store

import (
	"context"
	"testing"
)

func TestSeedAIModel_UpsertsByKeyWithoutClearingDefaultFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SeedAIModel(ctx, AIModel{Key: "claude-sonnet", Provider: "anthropic", IsDefault: true}); err != nil {
		t.Fatalf("seed model: %v", err)
	}
	if err := s.SeedAIModel(ctx, AIModel{Key: "claude-sonnet", Provider: "anthropic", ConfigJSON: `{"temperature":0.2}`}); err != nil {
		t.Fatalf("reseed model: %v", err)
	}

	got, err := s.DefaultAIModel(ctx)
	if err != nil {
		t.Fatalf("default ai model: %v", err)
	}
	if !got.IsDefault {
		t.Fatal("expected default flag to persist across upsert")
	}
	if got.ConfigJSON != `{"temperature":0.2}` {
		t.Fatalf("expected config_json updated by upsert, got %q", got.ConfigJSON)
	}
}

func TestListAIModels_OrdersByKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SeedAIModel(ctx, AIModel{Key: "z-model", Provider: "anthropic"}); err != nil {
		t.Fatalf("seed z-model: %v", err)
	}
	if err := s.SeedAIModel(ctx, AIModel{Key: "a-model", Provider: "anthropic"}); err != nil {
		t.Fatalf("seed a-model: %v", err)
	}

	models, err := s.ListAIModels(ctx)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 || models[0].Key != "a-model" || models[1].Key != "z-model" {
		t.Fatalf("expected alphabetical order, got %+v", models)
	}
}
